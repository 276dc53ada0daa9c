package postgres

const queryGetEnabledWatches = `
SELECT name, enabled, cron_expression, timezone,
       webhook_url, secret, timeout_ms, created_at, updated_at
FROM watches
WHERE enabled = true
ORDER BY name
`

const queryGetWatch = `
SELECT name, enabled, cron_expression, timezone,
       webhook_url, secret, timeout_ms, created_at, updated_at
FROM watches
WHERE name = $1
`

const queryListWatches = `
SELECT name, enabled, cron_expression, timezone,
       webhook_url, secret, timeout_ms, created_at, updated_at
FROM watches
ORDER BY created_at DESC
LIMIT $1 OFFSET $2
`

const queryInsertWatch = `
INSERT INTO watches (name, enabled, cron_expression, timezone, webhook_url, secret, timeout_ms, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const queryDeleteWatch = `
WITH deleted_records AS (
    DELETE FROM triggered_watches WHERE watch_name = $1
)
DELETE FROM watches WHERE name = $1
RETURNING name`

// The upsert bumps version so a reader can tell a rewritten record apart.
const queryPutTriggeredWatch = `
INSERT INTO triggered_watches (id, watch_name, version, source, created_at)
VALUES ($1, $2, 1, $3, $4)
ON CONFLICT (id) DO UPDATE
SET source = EXCLUDED.source,
    version = triggered_watches.version + 1,
    quarantined_at = NULL,
    quarantine_reason = NULL
`

const queryDeleteTriggeredWatch = `
DELETE FROM triggered_watches WHERE id = $1
`

const queryListTriggeredWatches = `
SELECT id, version, source, created_at
FROM triggered_watches
WHERE created_at < $1 AND quarantined_at IS NULL
ORDER BY created_at ASC
LIMIT $2
`

const queryQuarantineTriggeredWatch = `
UPDATE triggered_watches
SET quarantined_at = $2, quarantine_reason = $3
WHERE id = $1
`

const queryListPendingTriggeredWatches = `
SELECT id, version, source, created_at
FROM triggered_watches
ORDER BY created_at DESC
LIMIT $1 OFFSET $2
`

const queryCountTriggeredWatches = `
SELECT COUNT(*) FROM triggered_watches
`
