package message

// Reserved metadata keys written by the runtime.
const (
	KeyWorkflowID      = "_flowadapter_workflow_id"
	KeyConsumeLocation = "_flowadapter_consume_location"
	KeyRetryCount      = "_flowadapter_retry_count"
	KeyStopProcessing  = "_flowadapter_stop_processing"
	KeyMarkerSequence  = "_flowadapter_marker_sequence"
)

// Reserved object metadata keys. Values stored under these keys never leave
// the process.
const (
	ObjectException           = "flowadapter.exception"
	ObjectFailedComponent     = "flowadapter.failed_component"
	ObjectFailedComponentName = "flowadapter.failed_component_name"
	ObjectWorkflow            = "flowadapter.workflow"
	ObjectProduceFailures     = "flowadapter.produce_failures"
	ObjectErrorHandled        = "flowadapter.error_handled"
)

// DefaultPayloadID names the payload of a message built with New.
const DefaultPayloadID = "default-payload"
