package session

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionstorm66/blynk-server/pkg/protocol"
)

type fakePeer struct {
	id uuid.UUID

	mu     sync.Mutex
	frames [][]byte
	closed error
}

func newFakePeer() *fakePeer {
	return &fakePeer{id: uuid.New()}
}

func (p *fakePeer) ID() uuid.UUID { return p.id }

func (p *fakePeer) Send(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
}

func (p *fakePeer) Close(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = err
}

func (p *fakePeer) received(t *testing.T) []protocol.Message {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Message
	var d protocol.Decoder
	for _, f := range p.frames {
		d.Feed(f)
	}
	for {
		m, err := d.Next()
		if err != nil {
			require.ErrorIs(t, err, protocol.ErrIncomplete)
			return out
		}
		out = append(out, m)
	}
}

func (p *fakePeer) closeErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func newTestRegistry() *Registry {
	return New(slog.Default())
}

func TestLatestDeviceLoginWins(t *testing.T) {
	r := newTestRegistry()
	key := Key{User: "owner", DashID: 42}

	dev1 := newFakePeer()
	dev2 := newFakePeer()
	r.RegisterDevice(key, dev1)
	r.RegisterDevice(key, dev2)

	assert.ErrorIs(t, dev1.closeErr(), ErrSuperseded)
	assert.NoError(t, dev2.closeErr())
	assert.True(t, r.DeviceOnline(key))

	// Routing targets only the surviving device.
	require.NoError(t, r.RouteToDevice(key, protocol.Message{Command: protocol.CmdHardware, ID: 3, Body: []byte("dw 1 1")}))
	assert.Empty(t, dev1.received(t))
	msgs := dev2.received(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint16(3), msgs[0].ID)
}

func TestDeviceToAppRouting(t *testing.T) {
	r := newTestRegistry()
	key := Key{User: "owner", DashID: 42}

	app := newFakePeer()
	r.RegisterApp(key, app)
	dev := newFakePeer()
	r.RegisterDevice(key, dev)

	n := r.RouteToApps(key, []byte("vw 1 255"))
	assert.Equal(t, 1, n)

	msgs := app.received(t)
	// First the online broadcast, then the forwarded state update.
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.CmdHardwareConnected, msgs[0].Command)
	assert.Equal(t, uint16(0), msgs[0].ID)
	assert.Equal(t, protocol.CmdHardware, msgs[1].Command)
	assert.Equal(t, uint16(0), msgs[1].ID, "forwarded device messages are unsolicited")
	assert.Equal(t, "vw 1 255", string(msgs[1].Body))
}

func TestRouteToAppsFansOut(t *testing.T) {
	r := newTestRegistry()
	key := Key{User: "owner", DashID: 7}

	apps := make([]*fakePeer, 3)
	for i := range apps {
		apps[i] = newFakePeer()
		r.RegisterApp(key, apps[i])
	}
	n := r.RouteToApps(key, []byte("aw 2 88"))
	assert.Equal(t, 3, n)
	for _, app := range apps {
		msgs := app.received(t)
		require.Len(t, msgs, 1)
		assert.Equal(t, "aw 2 88", string(msgs[0].Body))
	}
}

func TestRouteToDeviceOffline(t *testing.T) {
	r := newTestRegistry()
	key := Key{User: "owner", DashID: 42}
	app := newFakePeer()
	r.RegisterApp(key, app)

	err := r.RouteToDevice(key, protocol.Message{Command: protocol.CmdHardware, ID: 1, Body: []byte("dw 9 1")})
	assert.ErrorIs(t, err, ErrDeviceOffline)

	// After a device registers, the retried command goes through.
	dev := newFakePeer()
	r.RegisterDevice(key, dev)
	require.NoError(t, r.RouteToDevice(key, protocol.Message{Command: protocol.CmdHardware, ID: 1, Body: []byte("dw 9 1")}))
	require.Len(t, dev.received(t), 1)
}

func TestDeviceDisconnectBroadcast(t *testing.T) {
	r := newTestRegistry()
	key := Key{User: "owner", DashID: 42}

	app := newFakePeer()
	dev := newFakePeer()
	r.RegisterApp(key, app)
	r.RegisterDevice(key, dev)

	r.Unregister(dev.ID())
	assert.False(t, r.DeviceOnline(key))

	msgs := app.received(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.CmdHardwareConnected, msgs[0].Command)
	assert.Equal(t, protocol.CmdHardwareDisconnected, msgs[1].Command)
	assert.Equal(t, "42", string(msgs[1].Body))
}

func TestEntryGarbageCollected(t *testing.T) {
	r := newTestRegistry()
	key := Key{User: "owner", DashID: 42}

	dev := newFakePeer()
	app := newFakePeer()
	r.RegisterDevice(key, dev)
	r.RegisterApp(key, app)

	r.Unregister(dev.ID())
	r.mu.RLock()
	_, stillThere := r.entries[key]
	r.mu.RUnlock()
	assert.True(t, stillThere, "entry survives while an app remains")

	r.Unregister(app.ID())
	r.mu.RLock()
	_, stillThere = r.entries[key]
	nconns := len(r.conns)
	r.mu.RUnlock()
	assert.False(t, stillThere, "empty entry is deleted")
	assert.Equal(t, 0, nconns)
}

func TestUnregisterSupersededDeviceIsNoop(t *testing.T) {
	r := newTestRegistry()
	key := Key{User: "owner", DashID: 42}

	dev1 := newFakePeer()
	dev2 := newFakePeer()
	r.RegisterDevice(key, dev1)
	r.RegisterDevice(key, dev2)

	// The transport close of the superseded connection races its
	// deregistration; it must not evict the new device.
	r.Unregister(dev1.ID())
	assert.True(t, r.DeviceOnline(key))
}

func TestRegisterDuringEntryCollection(t *testing.T) {
	r := newTestRegistry()
	key := Key{User: "owner", DashID: 42}

	// A device login racing the departure of the key's last
	// connection must never land in an entry the collector just
	// removed; the device would be tracked yet unroutable.
	for i := 0; i < 2000; i++ {
		app := newFakePeer()
		r.RegisterApp(key, app)
		dev := newFakePeer()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Unregister(app.ID())
		}()
		go func() {
			defer wg.Done()
			r.RegisterDevice(key, dev)
		}()
		wg.Wait()

		require.True(t, r.DeviceOnline(key), "iteration %d: registered device is not routable", i)
		r.Unregister(dev.ID())
	}
}

func TestCrossKeyIndependence(t *testing.T) {
	r := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := Key{User: fmt.Sprintf("user-%d", i), DashID: i}
			dev := newFakePeer()
			app := newFakePeer()
			r.RegisterApp(key, app)
			r.RegisterDevice(key, dev)
			r.RouteToApps(key, []byte("x"))
			r.Unregister(dev.ID())
			r.Unregister(app.ID())
		}(i)
	}
	wg.Wait()

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Empty(t, r.entries)
	assert.Empty(t, r.conns)
}
