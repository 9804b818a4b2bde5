package txcoord

const (
	lockFileName = "LOCK"

	// TimestampLogFilename is the name of the file that holds the timestamp checkpoints.
	TimestampLogFilename        = "TIMESTAMP"
	timestampLogRewriteFilename = "TIMESTAMP-REWRITE"
)
