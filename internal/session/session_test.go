package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mqttsuite/mqttsuite/internal/mqttproto"
)

func TestStoreOpenSessionAndPurge(t *testing.T) {
	store, err := Open(NewMemoryBackend())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sess, err := store.OpenSession("client-1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	sess.Subscriptions = append(sess.Subscriptions, Subscription{Filter: "a/b", QoS: mqttproto.QoS1})
	if err := store.Persist(sess); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	got, ok := store.Get("client-1")
	if !ok || len(got.Subscriptions) != 1 {
		t.Fatalf("expected persisted subscription, got %+v", got)
	}

	if err := store.Purge("client-1"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, ok := store.Get("client-1"); ok {
		t.Fatal("expected session to be gone after purge")
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.db")

	backend, err := OpenFileBackend(path)
	if err != nil {
		t.Fatalf("OpenFileBackend: %v", err)
	}
	sess := NewSession("client-durable")
	sess.Subscriptions = []Subscription{{Filter: "a/+/c", QoS: mqttproto.QoS2}}
	sess.InflightOut[10] = &InflightOut{
		PacketID: 10,
		Topic:    "out/topic",
		Payload:  []byte("payload"),
		QoS:      mqttproto.QoS1,
		Retain:   true,
		State:    StateSent,
	}
	sess.InflightIn[11] = &InflightIn{
		PacketID: 11,
		Topic:    "in/topic",
		Payload:  []byte("stored-until-pubrel"),
		QoS:      mqttproto.QoS2,
		Retain:   true,
		State:    StatePubRecSent,
	}
	sess.PendingQueue = append(sess.PendingQueue, &QueuedPublish{
		Topic:   "queued/topic",
		Payload: []byte("queued-data"),
		QoS:     mqttproto.QoS1,
	})
	if err := backend.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}

	reopened, err := OpenFileBackend(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok, err := reopened.Load("client-durable")
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if len(got.Subscriptions) != 1 || got.Subscriptions[0].Filter != "a/+/c" {
		t.Fatalf("subscriptions mismatch: %+v", got.Subscriptions)
	}
	out, ok := got.InflightOut[10]
	if !ok || out.Topic != "out/topic" || string(out.Payload) != "payload" || !out.Retain {
		t.Fatalf("inflight-out mismatch: %+v", out)
	}
	in, ok := got.InflightIn[11]
	if !ok || in.State != StatePubRecSent || in.Topic != "in/topic" || string(in.Payload) != "stored-until-pubrel" || in.QoS != mqttproto.QoS2 || !in.Retain {
		t.Fatalf("inflight-in mismatch: %+v", in)
	}
	if len(got.PendingQueue) != 1 || got.PendingQueue[0].Topic != "queued/topic" {
		t.Fatalf("pending queue mismatch: %+v", got.PendingQueue)
	}
}

func TestFileBackendCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.db")
	if err := os.WriteFile(path, []byte("not a session store"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	backend, err := OpenFileBackend(path)
	if err != nil {
		t.Fatalf("OpenFileBackend should tolerate corrupt file, got error: %v", err)
	}
	ids, err := backend.List()
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected empty store, got %v (err=%v)", ids, err)
	}
}

func TestFileBackendDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.db")
	backend, err := OpenFileBackend(path)
	if err != nil {
		t.Fatalf("OpenFileBackend: %v", err)
	}
	if err := backend.Save(NewSession("a")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := backend.Save(NewSession("b")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := backend.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ids, err := backend.List()
	if err != nil || len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("expected only 'b' to remain, got %v", ids)
	}
}
