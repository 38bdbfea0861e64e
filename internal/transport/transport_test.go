package transport

import (
	"context"
	"io"
	"testing"
	"time"
)

func TestTCPListenAndDial(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptCh <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err != nil {
			acceptCh <- err
			return
		}
		if string(buf) != "hello" {
			acceptCh <- io.ErrUnexpectedEOF
			return
		}
		acceptCh <- nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case err := <-acceptCh:
		if err != nil {
			t.Fatalf("accept goroutine: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestUnixListenAndDial(t *testing.T) {
	dir := t.TempDir()
	sockPath := dir + "/mqtt.sock"

	ln, err := Listen("unix", sockPath, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, "unix://"+sockPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
}
