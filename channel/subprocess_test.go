//go:build unix

package channel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient answers initialize and destroy, and rejects everything else
const fakeClient = `#!/bin/sh
echo '{"event":"qr","data":{"qr":"abc"}}'
while read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  case "$line" in
    *'"method":"initialize"'*)
      echo "{\"id\":\"$id\",\"result\":{}}"
      echo '{"event":"ready"}'
      ;;
    *'"method":"destroy"'*)
      echo "{\"id\":\"$id\",\"result\":{}}"
      exit 0
      ;;
    *'"method":"isRegistered"'*)
      echo "{\"id\":\"$id\",\"result\":{\"registered\":true}}"
      ;;
    *)
      echo "{\"id\":\"$id\",\"error\":{\"code\":\"unsupported\",\"message\":\"nope\"}}"
      ;;
  esac
done
`

// crashingClient acknowledges initialize and dies
const crashingClient = `#!/bin/sh
read -r line
id=$(echo "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
echo "{\"id\":\"$id\",\"result\":{}}"
exit 3
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "client.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return path
}

func nextEvent(t *testing.T, events <-chan Event) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-events:
		return ev, ok
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}, false
	}
}

func TestSubprocessLifecycle(t *testing.T) {
	script := writeScript(t, fakeClient)
	s := NewSubprocess("/bin/sh", []string{script}, Options{TenantID: "t1", WorkDir: filepath.Join(t.TempDir(), "t1")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Initialize(ctx))
	assert.True(t, s.IsConnected())

	ev, _ := nextEvent(t, s.Events())
	assert.Equal(t, Event{Type: EventChallenge, Challenge: "abc"}, ev)
	ev, _ = nextEvent(t, s.Events())
	assert.Equal(t, EventReady, ev.Type)

	registered, err := s.IsRegistered(ctx, "1555@c.us")
	require.NoError(t, err)
	assert.True(t, registered)

	_, err = s.ListConversations(ctx)
	var remote *RemoteError
	assert.ErrorAs(t, err, &remote)

	require.NoError(t, s.Destroy(ctx))
	assert.False(t, s.IsConnected())

	// graceful destroy closes the stream without a disconnect
	_, ok := nextEvent(t, s.Events())
	assert.False(t, ok)

	_, err = s.SendPayload(ctx, "1555@c.us", Content{Text: "late"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Initialize(ctx), ErrClosed)
}

func TestSubprocessUnexpectedExitEmitsDisconnect(t *testing.T) {
	script := writeScript(t, crashingClient)
	s := NewSubprocess("/bin/sh", []string{script}, Options{TenantID: "t2", WorkDir: filepath.Join(t.TempDir(), "t2")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Initialize(ctx))

	ev, ok := nextEvent(t, s.Events())
	require.True(t, ok)
	assert.Equal(t, EventDisconnected, ev.Type)
	assert.Equal(t, "client process exited", ev.Reason)

	_, ok = nextEvent(t, s.Events())
	assert.False(t, ok)

	require.NoError(t, s.Destroy(ctx))
}

func TestSubprocessStartFailure(t *testing.T) {
	s := NewSubprocess(filepath.Join(t.TempDir(), "missing-binary"), nil, Options{TenantID: "t3", WorkDir: t.TempDir()})

	err := s.Initialize(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)

	require.NoError(t, s.Destroy(context.Background()))
	_, ok := <-s.Events()
	assert.False(t, ok)
}

func TestKillOrphansIgnoresEmptyMarker(t *testing.T) {
	n, err := KillOrphans("")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = KillOrphans("no-process-mentions-" + t.Name())
	require.NoError(t, err)
	assert.Zero(t, n)
}
