package settings

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"captionrelay/internal/storage"
	logx "captionrelay/pkg/logx"
)

func TestOpenFillsDefaults(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	mock := clock.NewMock()

	s, err := Open(ctx, mem, Config{}, logx.Nop(), WithClock(mock))
	require.NoError(t, err)

	doc := s.Get()
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "127.0.0.1:3030", s.SelfAddress())
	assert.False(t, s.STTMuted())

	// Defaults are persisted after the debounce.
	mock.Add(DefaultSaveDebounce)
	require.Eventually(t, func() bool { return mem.Saves() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close(ctx))
}

func TestOpenKeepsStoredValuesAndDropsUnknown(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	require.NoError(t, mem.Save(ctx, []byte(`{
		"id":"relay-a","linkAddress":"10.0.0.9:9000",
		"network":{"ip":"10.0.0.5","port":9000},
		"stt":{"muted":true},
		"theme":"dark"}`)))

	s, err := Open(ctx, mem, Config{}, logx.Nop(), WithClock(clock.NewMock()))
	require.NoError(t, err)
	assert.Equal(t, "relay-a", s.SelfID())
	assert.Equal(t, "10.0.0.5:9000", s.SelfAddress())
	assert.Equal(t, "10.0.0.9:9000", s.LinkAddress())
	assert.True(t, s.STTMuted())

	// Nothing to default, so nothing to write.
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 1, mem.Saves())
}

func TestOpenReplacesCorruptDocument(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	require.NoError(t, mem.Save(ctx, []byte(`{not json`)))

	s, err := Open(ctx, mem, Config{}, logx.Nop(), WithClock(clock.NewMock()))
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, s.Get().Network.Port)

	require.NoError(t, s.Flush(ctx))
	raw, _, _ := mem.Load(ctx)
	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, s.SelfID(), doc.ID)
}

func TestUpdateDebouncesSaves(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	require.NoError(t, mem.Save(ctx, []byte(`{"id":"x","network":{"ip":"127.0.0.1","port":3030}}`)))
	mock := clock.NewMock()
	s, err := Open(ctx, mem, Config{SaveDebounce: time.Second}, logx.Nop(), WithClock(mock))
	require.NoError(t, err)

	changes, unsub := s.Subscribe(4)
	defer unsub()

	assert.True(t, s.SetSTTMuted(true))
	mock.Add(500 * time.Millisecond)
	assert.True(t, s.SetLinkAddress(" 10.0.0.7:3030 "))
	assert.False(t, s.SetSTTMuted(true), "no-op update")

	mock.Add(900 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, mem.Saves(), "debounce restarted by the second update")

	mock.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool { return mem.Saves() == 2 }, time.Second, 5*time.Millisecond)

	first := <-changes
	second := <-changes
	assert.True(t, first.STT.Muted)
	assert.Equal(t, "10.0.0.7:3030", second.LinkAddress)
	select {
	case d := <-changes:
		t.Fatalf("unexpected change %+v", d)
	default:
	}
}

func TestUpdateReappliesDefaults(t *testing.T) {
	s, err := Open(context.Background(), nil, Config{}, logx.Nop(), WithClock(clock.NewMock()))
	require.NoError(t, err)
	doc, _ := s.Update(func(d *Document) {
		d.ID = ""
		d.Network.Port = 70000
	})
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, DefaultPort, doc.Network.Port)
}

func TestCloseFlushesPending(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	s, err := Open(ctx, mem, Config{}, logx.Nop(), WithClock(clock.NewMock()))
	require.NoError(t, err)
	s.SetSTTMuted(true)

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 1, mem.Saves())
	_, _, err = mem.Load(ctx)
	assert.ErrorIs(t, err, storage.ErrClosed)
}
