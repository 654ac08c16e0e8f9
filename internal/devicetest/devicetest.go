// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package devicetest runs in-process fake Kasa devices for tests.
package devicetest

import (
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/ayourtch/tplinker/protocol"
)

// Handler returns the plaintext reply to a decoded request.
// Returning nil closes the connection without replying.
type Handler func(req protocol.Request) []byte

// Device is a fake device listening on 127.0.0.1.
type Device struct {
	listener net.Listener
	handler  Handler

	mu       sync.Mutex
	requests []protocol.Request
	wg       sync.WaitGroup
}

// Start launches a fake TCP device. It is stopped by t.Cleanup.
func Start(t testing.TB, handler Handler) *Device {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	d := &Device{listener: l, handler: handler}
	d.wg.Add(1)
	go d.serve()
	t.Cleanup(d.Close)
	return d
}

// Addr returns the host:port of the fake device.
func (d *Device) Addr() string {
	return d.listener.Addr().String()
}

// Host returns the IP of the fake device.
func (d *Device) Host() string {
	host, _, _ := net.SplitHostPort(d.Addr())
	return host
}

// Port returns the TCP port of the fake device.
func (d *Device) Port() int {
	_, port, _ := net.SplitHostPort(d.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Requests returns every request received so far.
func (d *Device) Requests() []protocol.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Request(nil), d.requests...)
}

// Close stops the listener and waits for open connections to finish.
func (d *Device) Close() {
	_ = d.listener.Close()
	d.wg.Wait()
}

func (d *Device) serve() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.wg.Add(1)
		go d.handle(conn)
	}
}

func (d *Device) handle(conn net.Conn) {
	defer d.wg.Done()
	defer func() { _ = conn.Close() }()

	payload, err := protocol.ReadFrame(conn, 0)
	if err != nil {
		return
	}
	req, err := protocol.ParseRequest(payload)
	if err != nil {
		return
	}

	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()

	reply := d.handler(req)
	if reply == nil {
		return
	}
	_ = protocol.WriteFrame(conn, reply)
}

// JSON marshals v for use as a handler reply.
func JSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// Static always replies with the same plaintext.
func Static(reply string) Handler {
	return func(protocol.Request) []byte { return []byte(reply) }
}

// PlugSysInfo is a representative get_sysinfo reply of a metering plug.
const PlugSysInfo = `{"system":{"get_sysinfo":{
	"sw_ver":"1.5.4 Build 180815 Rel.121440","hw_ver":"2.0","model":"HS110(EU)",
	"type":"IOT.SMARTPLUGSWITCH","deviceId":"8006ABCDEF0123456789","alias":"Kitchen",
	"mac":"50:C7:BF:00:00:01","relay_state":1,"led_off":0,"on_time":3600,"rssi":-52,
	"feature":"TIM:ENE","updating":0,"err_code":0}}}`

// StripSysInfo is a representative get_sysinfo reply of a two-outlet strip.
const StripSysInfo = `{"system":{"get_sysinfo":{
	"sw_ver":"1.0.3","hw_ver":"1.0","model":"HS107(US)","mic_type":"IOT.SMARTPLUGSWITCH",
	"deviceId":"8006STRIP","alias":"Strip","relay_state":0,"feature":"TIM","err_code":0,
	"child_num":2,"children":[{"id":"00","state":0,"alias":"Left"},{"id":"01","state":1,"alias":"Right"}]}}}`

// PlugRealtime is a representative hardware-v2 get_realtime reply.
const PlugRealtime = `{"emeter":{"get_realtime":{"current_ma":500,"voltage_mv":230000,"power_mw":115000,"total_wh":3250,"err_code":0}}}`

// UDPResponder answers discovery probes on 127.0.0.1.
type UDPResponder struct {
	conn   net.PacketConn
	mu     sync.Mutex
	probes int
	wg     sync.WaitGroup
}

// StartUDP answers every probe with reply, encrypted but not framed.
// An empty reply sends raw garbage instead. It is stopped by t.Cleanup.
func StartUDP(t testing.TB, reply string) *UDPResponder {
	t.Helper()

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}

	r := &UDPResponder{conn: conn}
	r.wg.Add(1)
	go r.serve(reply)
	t.Cleanup(r.Close)
	return r
}

// Addr returns the host:port probes should be sent to.
func (r *UDPResponder) Addr() string {
	return r.conn.LocalAddr().String()
}

// Probes returns how many valid probes were received.
func (r *UDPResponder) Probes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.probes
}

// Close stops the responder.
func (r *UDPResponder) Close() {
	_ = r.conn.Close()
	r.wg.Wait()
}

func (r *UDPResponder) serve(reply string) {
	defer r.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if _, err := protocol.ParseRequest(protocol.Decrypt(buf[:n])); err != nil {
			continue
		}
		r.mu.Lock()
		r.probes++
		r.mu.Unlock()

		out := []byte{0x00, 0x01, 0x02}
		if reply != "" {
			out = protocol.Encrypt([]byte(reply))
		}
		_, _ = r.conn.WriteTo(out, from)
	}
}
