// Package tools implements the buzzposter_* MCP tools as packs for the
// packs registry.
//
// Four packs are provided:
//
//   - content: get_feed, get_topic, search_news
//   - feeds: add_feed, remove_feed, list_feeds, set_profile, my_feed
//   - social: list_social_accounts, post, cross_post, schedule_post,
//     list_posts, post_analytics (Late.dev)
//   - media: upload_media, list_media, delete_media, storage_usage,
//     post_with_media (R2/S3)
//
// Each definition names the tier feature it requires; the access gate checks
// it before a handler runs. When the need depends on the arguments, the
// definition's ArgumentFeatures says so: get_topic for topics outside the
// built-in set, post_with_media when it carries a file. Those are gated
// before the handler too.
package tools
