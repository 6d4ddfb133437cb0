package app

const (
	Name           = "cellstream"
	ConfigFilename = "config.yaml"
	DBFilename     = "scans.db"
	LogFilename    = "cellstream.log"

	writerQueueSize = 256
)
