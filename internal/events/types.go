package events

// Event enumerates high-level topics inside the copy-trading core.
type Event string

const (
	EventMasterFill     Event = "master.fill"
	EventOrderPlaced    Event = "order.placed"
	EventOrderFilled    Event = "order.filled"
	EventOrderRejected  Event = "order.rejected"
	EventPositionOpened Event = "position.opened"
	EventPositionExit   Event = "position.exit"
	EventPositionClosed Event = "position.closed"
	EventFanoutDone     Event = "copytrade.fanout_done"
	EventDriftDetected  Event = "reconciliation.drift"
	EventIncident       Event = "incident"
	EventWorkerPaused   Event = "worker.paused"
	EventWorkerResumed  Event = "worker.resumed"
)
