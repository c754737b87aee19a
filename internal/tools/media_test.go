// ABOUTME: Tests for the media pack handlers
// ABOUTME: Uploads go to an in-memory object store; posting goes to the fake Late API

package tools

import (
	"encoding/base64"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buzzposter/buzzposter-gateway/internal/gate"
	"github.com/buzzposter/buzzposter-gateway/internal/media"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

// pngHeader is enough for content sniffing to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func TestUploadListDeleteMedia(t *testing.T) {
	env := newTestEnv(t)
	caller := env.caller(t, tier.Pro)

	out, err := env.call(t, caller, "buzzposter_upload_media", `{"file_data":"`+b64(pngHeader)+`","filename":"logo.png"}`)
	require.NoError(t, err)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "image/png", out["content_type"])
	assert.EqualValues(t, len(pngHeader), out["size_bytes"])
	assert.Contains(t, out["url"], "https://media.example.com/")
	assert.Equal(t, 1, env.objects.Len())
	id := strconv.FormatInt(int64(out["media_id"].(float64)), 10)

	list, err := env.call(t, caller, "buzzposter_list_media", `{}`)
	require.NoError(t, err)
	assert.Len(t, list["media_files"], 1)
	assert.EqualValues(t, 1, list["total_files"])
	assert.EqualValues(t, len(pngHeader), list["total_usage_bytes"])
	assert.EqualValues(t, tier.GiB, list["tier_limit_bytes"])

	usage, err := env.call(t, caller, "buzzposter_storage_usage", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "pro", usage["tier"])
	assert.EqualValues(t, 10*tier.MiB, usage["max_file_bytes"])

	del, err := env.call(t, caller, "buzzposter_delete_media", `{"media_id":`+id+`}`)
	require.NoError(t, err)
	assert.Equal(t, "Deleted logo.png", del["message"])
	assert.Equal(t, 0, env.objects.Len())

	_, err = env.call(t, caller, "buzzposter_delete_media", `{"media_id":`+id+`}`)
	assert.ErrorIs(t, err, media.ErrNotFound)
}

func TestUploadMedia_Errors(t *testing.T) {
	env := newTestEnv(t)
	caller := env.caller(t, tier.Pro)

	_, err := env.call(t, caller, "buzzposter_upload_media", `{"file_data":"%%%","filename":"a.png"}`)
	assert.ErrorIs(t, err, media.ErrInvalidData)

	_, err = env.call(t, caller, "buzzposter_upload_media", `{"file_data":"`+b64([]byte("hi"))+`"}`)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.call(t, caller, "buzzposter_upload_media", `{"file_data":"`+b64([]byte("plain text"))+`","filename":"notes.txt"}`)
	assert.ErrorIs(t, err, media.ErrUnsupportedType)

	env.deps.Media = nil
	_, err = env.call(t, caller, "buzzposter_storage_usage", `{}`)
	assert.ErrorIs(t, err, ErrMediaNotConfigured)
}

func TestPostWithMedia(t *testing.T) {
	env := newTestEnv(t)
	caller := env.connectedCaller(t)

	out, err := env.call(t, caller, "buzzposter_post_with_media", `{"platform":"instagram","content":"look","media_data":"`+b64(pngHeader)+`"}`)
	require.NoError(t, err)
	assert.Equal(t, true, out["success"])
	url := out["media_url"].(string)
	assert.Contains(t, url, "_upload")
	assert.Equal(t, "post_1", out["post"].(map[string]any)["id"])

	reqs := env.lateRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []any{url}, reqs[0].Body["media_urls"])
}

func TestPostWithMedia_TextOnly(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.call(t, env.connectedCaller(t), "buzzposter_post_with_media", `{"platform":"twitter","content":"just words"}`)
	require.NoError(t, err)
	assert.Nil(t, out["media_url"])
	assert.Equal(t, 0, env.objects.Len())
}

func TestPostWithMedia_UploadNeedsFeature(t *testing.T) {
	env := newTestEnv(t)
	// pro may post but not upload
	policy, err := tier.NewPolicy(tier.DefaultEntries([]tier.Feature{tier.FeatureSocialPosting})...)
	require.NoError(t, err)
	env.deps.Policy = policy
	caller := env.connectedCaller(t)

	_, err = env.call(t, caller, "buzzposter_post_with_media", `{"platform":"twitter","content":"x","media_data":"`+b64(pngHeader)+`"}`)
	require.ErrorIs(t, err, gate.ErrFeatureNotAllowed)
	de, ok := gate.AsDenied(err)
	require.True(t, ok)
	assert.Equal(t, tier.FeatureMediaUpload, de.Decision.Feature)
	assert.Empty(t, env.lateRequests())
	assert.Equal(t, 0, env.objects.Len())
	assert.Zero(t, env.recordsFor(caller), "denied call must not be recorded")

	// without a file the same caller can post
	_, err = env.call(t, caller, "buzzposter_post_with_media", `{"platform":"twitter","content":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, 1, env.recordsFor(caller))
}
