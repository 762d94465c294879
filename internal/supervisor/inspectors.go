package supervisor

import (
	"github.com/shakenfist/kerbside-proxy/internal/corelog"
	"github.com/shakenfist/kerbside-proxy/internal/inspect"
	"github.com/shakenfist/kerbside-proxy/internal/wire"
)

// channelInspectors builds the client-facing/server-facing inspector pair
// for one channel type, gated by the traffic-inspection flags config.go
// loads from KERBSIDE_TRAFFIC_INSPECTION[_INTIMATE].
func channelInspectors(log corelog.Logger, ct wire.ChannelType, trafficInspect, trafficIntimate bool) (client, server inspect.Inspector) {
	switch ct {
	case wire.ChannelMain:
		return inspect.NewMainInspector(log, trafficInspect, trafficIntimate),
			inspect.NewServerMainInspector(log, trafficInspect, trafficIntimate)
	case wire.ChannelDisplay:
		return inspect.NewDisplayInspector(log, trafficInspect, trafficIntimate),
			inspect.NewServerDisplayInspector(log, trafficInspect, trafficIntimate)
	case wire.ChannelInputs:
		return inspect.NewInputsInspector(log, trafficInspect, trafficIntimate),
			inspect.NewServerInputsInspector(log, trafficInspect, trafficIntimate)
	case wire.ChannelCursor:
		return inspect.NewCursorInspector(log, trafficInspect, trafficIntimate),
			inspect.NewServerCursorInspector(log, trafficInspect, trafficIntimate)
	case wire.ChannelPort:
		return inspect.NewPortInspector(log, trafficInspect, trafficIntimate),
			inspect.NewServerPortInspector(log, trafficInspect, trafficIntimate)
	default:
		return inspect.NewUnknownInspector(log, trafficInspect, trafficIntimate),
			inspect.NewServerUnknownInspector(log, trafficInspect, trafficIntimate)
	}
}
