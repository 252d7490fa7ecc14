package main

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/codec"
	"github.com/danmuck/scope/internal/protocol/frame"
	"github.com/danmuck/scope/internal/protocol/schema"
	"github.com/danmuck/scope/internal/scope"
)

const maxBinaryDump = 64

// printClient is the debugger end of one application connection. It
// prints every message and enables the requested services once the host
// is ready.
type printClient struct {
	scope.ClientBase
	out     io.Writer
	format  protocol.Format
	enable  []string
	nextTag uint32
}

func newPrintClient(name string, out io.Writer, format protocol.Format, enable []string) *printClient {
	return &printClient{
		ClientBase: scope.NewClientBase(name),
		out:        out,
		format:     format,
		enable:     enable,
	}
}

func (c *printClient) Receive(m *protocol.Message) error {
	fmt.Fprintf(c.out, "[%s] %s %s\n", c.Name(), m.Header, body(m))
	return nil
}

func (c *printClient) OnHostAttached(h scope.Host) error {
	if nh, ok := h.(*scope.NetworkHost); ok {
		nh.AddListener(c)
	}
	return nil
}

func (c *printClient) OnHostDetached(h scope.Host) {
	if nh, ok := h.(*scope.NetworkHost); ok {
		nh.RemoveListener(c)
	}
}

func (c *printClient) Destroy() {
	if m := c.Manager(); m != nil {
		_ = m.ReportDestruction(c)
	}
}

func (c *printClient) OnHostReady(h *scope.NetworkHost) {
	fmt.Fprintf(c.out, "[%s] ready stp/%d services=%v\n", c.Name(), h.Version(), h.RemoteServices())
	for _, name := range c.enable {
		m, err := c.enableCall(h.Version(), name)
		if err != nil {
			fmt.Fprintf(c.out, "[%s] enable %s: %v\n", c.Name(), name, err)
			continue
		}
		if err := h.Receive(m); err != nil {
			fmt.Fprintf(c.out, "[%s] enable %s: %v\n", c.Name(), name, err)
		}
	}
}

func (c *printClient) OnHostError(_ *scope.NetworkHost, err error) {
	fmt.Fprintf(c.out, "[%s] error: %v\n", c.Name(), err)
}

func (c *printClient) OnHostClosed(*scope.NetworkHost) {
	fmt.Fprintf(c.out, "[%s] closed\n", c.Name())
}

func (c *printClient) enableCall(version int, name string) (*protocol.Message, error) {
	if version == 0 {
		return protocol.NewMessage(frame.Stp0Header(protocol.TypeCall, protocol.MetaEnable), []byte(name)), nil
	}
	format := c.format
	if format == protocol.FormatNone {
		format = protocol.FormatBinary
	}
	payload, err := codec.Encode(format, schema.ScopeService().Messages, schema.MsgServiceSelection, schema.Record{name})
	if err != nil {
		return nil, err
	}
	c.nextTag++
	return protocol.NewMessage(protocol.Header{
		Type:      protocol.TypeCall,
		Service:   schema.ScopeServiceName,
		CommandID: schema.ScopeEnable,
		Format:    format,
		Tag:       c.nextTag,
		Version:   version,
	}, payload), nil
}

func body(m *protocol.Message) string {
	data, ok := m.Bytes()
	if !ok {
		return "<native>"
	}
	if len(data) == 0 {
		return "<empty>"
	}
	if m.Header.Version == 0 || m.Header.Format == protocol.FormatJSON || m.Header.Format == protocol.FormatXML {
		return string(data)
	}
	if len(data) > maxBinaryDump {
		return hex.EncodeToString(data[:maxBinaryDump]) + "..."
	}
	return hex.EncodeToString(data)
}
