package postgres

const monitorColumns = `id, org_id, project_id, name, type, target, check_config,
       frequency_minutes, status, alert_config, scheduled_job_id, created_at, updated_at`

const queryInsertMonitor = `
INSERT INTO monitors (id, org_id, project_id, name, type, target, check_config,
                      frequency_minutes, status, alert_config, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

const queryMonitorByID = `
SELECT ` + monitorColumns + `
FROM monitors
WHERE id = $1 AND org_id = $2
`

const queryListMonitors = `
SELECT ` + monitorColumns + `
FROM monitors
WHERE org_id = $1
  AND ($2::uuid IS NULL OR project_id = $2)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4
`

const queryCountMonitors = `
SELECT COUNT(*)
FROM monitors
WHERE org_id = $1
`

const queryUpdateMonitor = `
UPDATE monitors
SET name = $3,
    type = $4,
    target = $5,
    check_config = $6,
    frequency_minutes = $7,
    alert_config = $8,
    updated_at = $9
WHERE id = $1 AND org_id = $2
`

const queryUpdateMonitorSchedule = `
UPDATE monitors
SET status = $2,
    scheduled_job_id = $3,
    updated_at = NOW()
WHERE id = $1
`

const queryDeleteMonitor = `
DELETE FROM monitors
WHERE id = $1 AND org_id = $2
RETURNING id
`

const runColumns = `id, job_id, org_id, project_id, status, trigger, kind, location,
       metadata, note, queue_job_id, cancel_requested, started_at, completed_at,
       duration_ms, created_at`

const queryInsertRun = `
INSERT INTO runs (id, job_id, org_id, project_id, status, trigger, kind, location,
                  metadata, note, queue_job_id, started_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// queryAdoptRun races concurrent reconcilers replaying the same queue event.
// The unique queue_job_id makes the insert first-writer-wins.
const queryAdoptRun = queryInsertRun + `
ON CONFLICT (queue_job_id) DO NOTHING
`

const queryRunByID = `
SELECT ` + runColumns + `
FROM runs
WHERE id = $1
`

const queryRunByQueueJobID = `
SELECT ` + runColumns + `
FROM runs
WHERE queue_job_id = $1
`

// queryFinishRun only touches rows still marked running, so a replayed
// terminal event cannot overwrite an earlier outcome.
const queryFinishRun = `
UPDATE runs
SET status = $2,
    completed_at = $3,
    note = $4,
    duration_ms = GREATEST(0, (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint)
WHERE id = $1
  AND status = 'running'
`

const queryRunStatus = `
SELECT status FROM runs WHERE id = $1
`

const queryMarkCancelRequested = `
UPDATE runs
SET cancel_requested = TRUE
WHERE id = $1
  AND status = 'running'
`

const queryDeleteRun = `
DELETE FROM runs
WHERE id = $1
`

const queryRunningRunsBefore = `
SELECT ` + runColumns + `
FROM runs
WHERE status = 'running'
  AND started_at < $1
ORDER BY started_at ASC
LIMIT $2
`

const queryListRuns = `
SELECT ` + runColumns + `
FROM runs
WHERE org_id = $1
  AND ($2::uuid IS NULL OR project_id = $2)
  AND ($3::text IS NULL OR status = $3)
ORDER BY started_at DESC
LIMIT $4 OFFSET $5
`
