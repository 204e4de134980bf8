package app

const (
	Name              = "pipewatch"
	ConfigFilename    = "config.yaml"
	EnvFilename       = ".env"
	DBFilename        = "pipewatch.db"
	LogFilename       = "pipewatch.log"
	ExportsDir        = "exports"
	RecentEventsLoad  = 200
	RawFramePreview   = 256
	DefaultDevAddress = "127.0.0.1:8000"
)
