package shardserver

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck

	"shardpeer/contract"
	"shardpeer/storage"
	"shardpeer/token"
)

func dataHash(b []byte) string {
	sha := sha256.Sum256(b)
	r := ripemd160.New()
	r.Write(sha[:])
	return hex.EncodeToString(r.Sum(nil))
}

func setup(t *testing.T, payload []byte) (*httptest.Server, string, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFileStore(dir, nil)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	tbl := token.NewTable(time.Minute, nil)

	hash := dataHash(payload)
	it := storage.NewItem(hash)
	c := contract.New("renter-id", hash, uint64(len(payload)), 0, time.Now().Add(time.Hour).UnixMilli(), 0)
	it.PutContract("renter-id", c)
	if err := store.Put(hash, it); err != nil {
		t.Fatalf("put: %v", err)
	}

	tok := "test-token"
	if err := tbl.Accept(tok, hash, token.Contact{Identity: "renter-id"}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	srv := New(store, tbl, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, hash, tok
}

func TestUploadDownloadHappyPath(t *testing.T) {
	payload := []byte("a shard's worth of bytes")
	ts, hash, tok := setup(t, payload)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/shards/"+hash+"?token="+tok, bytes.NewReader(payload))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	getResp, err := http.Get(ts.URL + "/shards/" + hash + "?token=" + tok)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}
}

func TestUploadHashMismatch(t *testing.T) {
	payload := []byte("original bytes")
	ts, hash, tok := setup(t, payload)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/shards/"+hash+"?token="+tok, bytes.NewReader([]byte("tampered bytes")))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUploadSizeExceeded(t *testing.T) {
	payload := []byte("0123456789")
	ts, hash, tok := setup(t, payload)

	oversized := bytes.Repeat([]byte("0123456789"), 5)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/shards/"+hash+"?token="+tok, bytes.NewReader(oversized))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUploadUnauthorized(t *testing.T) {
	payload := []byte("payload")
	ts, hash, _ := setup(t, payload)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/shards/"+hash+"?token=wrong", bytes.NewReader(payload))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestOptionsShortCircuits(t *testing.T) {
	payload := []byte("payload")
	ts, hash, _ := setup(t, payload)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/shards/"+hash, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("expected CORS header on OPTIONS response")
	}
}
