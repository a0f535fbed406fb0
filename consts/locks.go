package consts

// MigrationAdvisoryLockID is a unique integer used for a PostgreSQL advisory lock
// to ensure that only one mailfilter instance runs schema migrations at a time.
const MigrationAdvisoryLockID = 42734582
