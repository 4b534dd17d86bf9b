package idgen

import "os"

// Transport names a worker transport. It mirrors transport.Context but lives
// here too so idgen (a leaf package with no transport dependency) can still
// express "env detect" without an import cycle; transport.Context converts
// to/from these strings.
type Transport string

const (
	TransportInProcess  Transport = "in-process"
	TransportSubprocess Transport = "subprocess"
	TransportWebSocket  Transport = "websocket"
)

// EnvTransportVar is the environment variable consulted by DetectTransport.
const EnvTransportVar = "FLEETPOOL_WORKER_TRANSPORT"

// DetectTransport inspects the process environment and returns the transport
// kind that should be used when none is explicitly configured. It defaults
// to in-process, the cheapest and always-available option.
func DetectTransport() Transport {
	switch os.Getenv(EnvTransportVar) {
	case string(TransportSubprocess):
		return TransportSubprocess
	case string(TransportWebSocket):
		return TransportWebSocket
	default:
		return TransportInProcess
	}
}
