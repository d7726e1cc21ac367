package ncsi

import "ncsi-sideband/internal/events"

// responseHandler records what a response teaches the engine and returns
// the next command in its chain, if any.
type responseHandler struct {
	length uint16
	handle func(e *Engine, rsp *Response) *Command
}

var responseHandlers = map[uint8]responseHandler{
	RspSelectPackage:      {simpleResponseLength, (*Engine).onSelectPackage},
	RspDeselectPackage:    {simpleResponseLength, (*Engine).onAck},
	RspClearInitialState:  {simpleResponseLength, (*Engine).onClearInitialState},
	RspGetLinkStatus:      {linkStatusResponseLength, (*Engine).onGetLinkStatus},
	RspGetVersionInfo:     {versionResponseLength, (*Engine).onGetVersion},
	RspGetCapabilities:    {capabilitiesResponseLength, (*Engine).onGetCapabilities},
	RspSetMACAddress:      {simpleResponseLength, (*Engine).onSetMAC},
	RspEnableBcastFilter:  {simpleResponseLength, (*Engine).onEnableBroadcast},
	RspEnableChannel:      {simpleResponseLength, (*Engine).onEnableChannel},
	RspEnableChannelNetTx: {simpleResponseLength, (*Engine).onEnableNetTx},
	RspEnableAEN:          {simpleResponseLength, (*Engine).onAck},
}

func (e *Engine) onAck(*Response) *Command { return nil }

func (e *Engine) onSelectPackage(rsp *Response) *Command {
	id := rsp.Package()
	if _, created := e.topo.AddPackage(id); created {
		e.logger.Info("package found", "package", id)
		e.bus.Emit(events.PackageFound, map[string]any{"package": id})
	}
	return nil
}

func (e *Engine) onClearInitialState(rsp *Response) *Command {
	np, nc := rsp.Package(), rsp.ChannelIndex()
	p := e.topo.Package(np)
	if p == nil {
		e.logger.Warn("mismatched package in CIS response", "package", np, "channel", nc)
		return nil
	}
	if _, created := p.AddChannel(nc); !created {
		e.logger.Warn("duplicate channel in CIS response", "package", np, "channel", nc)
		return nil
	}
	e.logger.Info("channel found", "package", np, "channel", nc)
	e.bus.Emit(events.ChannelFound, map[string]any{"package": np, "channel": nc})
	return &Command{Opcode: CmdGetLinkStatus, Package: np, Channel: nc, Wait: true}
}

func (e *Engine) onGetLinkStatus(rsp *Response) *Command {
	c := e.channelFor(rsp)
	if c == nil {
		return nil
	}
	ls, err := parseLinkStatus(rsp.Payload)
	if err != nil {
		e.logger.Warn("bad link status body", "error", err)
		return nil
	}
	c.LinkStatus = ls
	c.HasLink = ls.Up()
	e.logger.Debug("link status", "package", rsp.Package(), "channel", c.ID,
		"link", c.HasLink, "status", ls.Status)
	e.bus.Emit(events.LinkStatus, map[string]any{
		"package": rsp.Package(), "channel": c.ID, "link": c.HasLink,
	})
	if e.phase != PhaseProbeChannel {
		return nil
	}
	return &Command{Opcode: CmdGetVersionInfo, Package: rsp.Package(), Channel: c.ID, Wait: true}
}

func (e *Engine) onGetVersion(rsp *Response) *Command {
	c := e.channelFor(rsp)
	if c == nil {
		return nil
	}
	v, err := parseVersion(rsp.Payload)
	if err != nil {
		e.logger.Warn("bad version body", "error", err)
		return nil
	}
	c.Version = v
	e.logger.Debug("version", "package", rsp.Package(), "channel", c.ID,
		"firmware", v.FirmwareName, "manufacturer", v.ManufacturerID)
	if e.phase != PhaseProbeChannel {
		return nil
	}
	return &Command{Opcode: CmdGetCapabilities, Package: rsp.Package(), Channel: c.ID, Wait: true}
}

func (e *Engine) onGetCapabilities(rsp *Response) *Command {
	c := e.channelFor(rsp)
	if c == nil {
		return nil
	}
	caps, err := parseCapabilities(rsp.Payload)
	if err != nil {
		e.logger.Warn("bad capabilities body", "error", err)
		return nil
	}
	c.Caps = caps
	return nil
}

func (e *Engine) onSetMAC(rsp *Response) *Command {
	c := e.channelFor(rsp)
	if c == nil {
		return nil
	}
	return &Command{Opcode: CmdEnableBcastFilter, Package: rsp.Package(), Channel: c.ID,
		Payload: broadcastFilterPayload(c.Caps.Broadcast), Wait: true}
}

func (e *Engine) onEnableBroadcast(rsp *Response) *Command {
	return &Command{Opcode: CmdEnableChannel, Package: rsp.Package(), Channel: rsp.ChannelIndex(), Wait: true}
}

func (e *Engine) onEnableChannel(rsp *Response) *Command {
	return &Command{Opcode: CmdEnableChannelNetTx, Package: rsp.Package(), Channel: rsp.ChannelIndex(), Wait: true}
}

func (e *Engine) onEnableNetTx(rsp *Response) *Command {
	if !e.cfg.EnableAEN {
		return nil
	}
	c := e.channelFor(rsp)
	if c == nil || c.Caps.AEN == 0 {
		return nil
	}
	return &Command{Opcode: CmdEnableAEN, Package: rsp.Package(), Channel: c.ID,
		Payload: enableAENPayload(c.Caps.AEN), Wait: true}
}

func (e *Engine) channelFor(rsp *Response) *Channel {
	c := e.topo.Channel(rsp.Package(), rsp.ChannelIndex())
	if c == nil {
		e.logger.Warn("response for unknown channel", "rsp", OpcodeName(rsp.Type),
			"package", rsp.Package(), "channel", rsp.ChannelIndex())
	}
	return c
}
