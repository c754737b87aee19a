// Package media stores user-uploaded images and videos in S3-compatible
// object storage (Cloudflare R2 in production) and tracks them in the store.
//
// Uploads are bounded by the caller's tier: a per-file cap and a total storage
// cap, both taken from the tier policy. Objects are keyed
// "{user_id}/{YYYYmmdd_HHMMSS}_{md5[:8]}_{filename}" so keys are unique and
// grouped per user. A put is attempted three times; if the metadata insert
// fails afterwards the object is deleted again.
package media
