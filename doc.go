// Package quasar is a Singer tap for Microsoft Dataverse (Dynamics 365).
//
// Quasar replicates entity data out of a Dataverse organization over the
// Web API and emits it as a Singer message stream: SCHEMA, RECORD and
// STATE messages as line-delimited JSON on stdout. Logs and traces go to
// stderr; stdout carries nothing but messages.
//
// # Workflow
//
// Discovery queries the organization's entity metadata and writes a
// catalog describing every readable entity as a stream:
//
//	quasar discover --config config.yml > catalog.json
//
// Mark the streams (and optionally fields) to replicate by setting
// "selected": true in the catalog metadata, then sync:
//
//	quasar sync --config config.yml --catalog catalog.json --state state.json
//
// Streams with a modifiedon or createdon timestamp replicate
// incrementally: each run fetches records at or after the stored
// bookmark and advances it. Streams without one replicate in full every
// run. The last STATE message emitted is the input for the next run's
// --state.
//
// # Key Packages
//
//	pkg/clients      - OAuth2 token manager, rate-limited retrying HTTP client
//	pkg/dataverse    - Web API discovery, paging and WhoAmI
//	pkg/catalog      - Singer catalog model and stream/field selection
//	pkg/singer       - Message types and the serializing writer
//	pkg/state        - Bookmarks and the currently-syncing marker
//	internal/engine  - Replication planning, coercion and the sync loop
//	pkg/config       - YAML/JSON configuration with env substitution
//	pkg/errors       - Structured error handling
//	pkg/logger       - Structured logging (stderr)
//	pkg/metrics      - Prometheus instrumentation
//
// # Configuration
//
// Configuration files may be YAML or JSON; ${VAR_NAME} references are
// substituted from the environment and QUASAR_* variables override the
// credential fields. The oauth section needs a refresh token, which
// "quasar auth" can bootstrap from an authorization code. When the
// identity provider rotates the refresh token mid-run, the rotated
// credential is persisted back to the config file.
package quasar
