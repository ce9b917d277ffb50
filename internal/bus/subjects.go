package bus

// Subjects follow <domain>.<event>[.<key>].v<N>. The bus adds its prefix.
const (
	NodeAnnounce  = "node.announce.v1"
	NodeHeartbeat = "node.heartbeat.v1"
	NodeDepart    = "node.depart.v1"
	NodeQuery     = "node.query.v1"
	NodeGet       = "node.get.v1"

	GPUReserve = "gpu.reserve.v1"
	GPURelease = "gpu.release.v1"
	GPUCanFit  = "gpu.canfit.v1"
	GPURAMRisk = "gpu.ramrisk.v1"
	GPULedger  = "gpu.ledger.v1"

	WorkSubmit    = "work.submit.v1"
	WorkStatus    = "work.status.v1"
	WorkList      = "work.list.v1"
	WorkCancel    = "work.cancel.v1"
	WorkCompleted = "work.completed.v1"
	WorkFailed    = "work.failed.v1"

	PlanRequest = "plan.request.v1"

	inboxPrefix = "_inbox."
)

// NodeReannounce asks one node to announce itself again.
func NodeReannounce(nodeID string) string { return "node.reannounce." + nodeID + ".v1" }

// WorkAssigned carries assignments for one node.
func WorkAssigned(nodeID string) string { return "work.assigned." + nodeID + ".v1" }

// WorkRevoked carries revocations for one node.
func WorkRevoked(nodeID string) string { return "work.revoked." + nodeID + ".v1" }

// Health is the request subject of a service's health responder.
func Health(service string) string { return "health." + service + ".v1" }
