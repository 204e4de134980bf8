package events

const (
	TopicConnStatus   = "conn.status"
	TopicStatusUpdate = "pipeline.status"
	TopicRunFinished  = "pipeline.run.finished"
	TopicRawFrameIn   = "raw.frame.in"
	TopicRawFrameOut  = "raw.frame.out"
)
