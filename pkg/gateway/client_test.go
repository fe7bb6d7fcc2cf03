package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", APIKey: "secret", Timeout: time.Second})
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestCreateInstanceAlreadyInUse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "secret" {
			t.Errorf("apikey header = %q", r.Header.Get("apikey"))
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["instanceName"] != "tenant-1" {
			t.Errorf("instanceName = %v", body["instanceName"])
		}
		writeJSON(w, http.StatusForbidden, `{"status":403,"error":"Forbidden","response":{"message":["This name \"tenant-1\" is already in use."]}}`)
	})
	if err := c.CreateInstance(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("duplicate create should succeed, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		check  func(error) bool
		name   string
	}{
		{http.StatusUnauthorized, `{"message":"bad key"}`, IsAuth, "auth"},
		{http.StatusNotFound, `{"response":{"message":["instance not found"]}}`, IsNotFound, "not found"},
		{http.StatusInternalServerError, `oops`, Retryable, "server error"},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, tc.status, tc.body)
		})
		_, err := c.SendText(context.Background(), "tenant-1", "5511999999999", "hi")
		if err == nil || !tc.check(err) {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
	}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"response":{"message":["number not on whatsapp"]}}`)
	})
	_, err := c.SendText(context.Background(), "tenant-1", "5511999999999", "hi")
	gwErr, ok := err.(*GatewayError)
	if !ok || gwErr.Message != "number not on whatsapp" || Retryable(err) {
		t.Fatalf("got %#v", err)
	}
}

func TestTransportErrorOnTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	err := c.CreateInstance(context.Background(), "tenant-1")
	if !IsTransport(err) || !Retryable(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestConnectionStateSwallowsNonAuthFailures(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"message":"missing"}`)
	})
	state, err := c.ConnectionState(context.Background(), "tenant-1")
	if err != nil || state != StateClosed {
		t.Fatalf("got %q, %v", state, err)
	}

	unreachable := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	state, err = unreachable.ConnectionState(context.Background(), "tenant-1")
	if err != nil || state != StateClosed {
		t.Fatalf("unreachable: got %q, %v", state, err)
	}

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{}`)
	})
	if _, err := c.ConnectionState(context.Background(), "tenant-1"); !IsAuth(err) {
		t.Fatalf("expected AuthError, got %v", err)
	}

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/instance/connectionState/tenant-1") {
			t.Errorf("path %s", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, `{"instance":{"instanceName":"tenant-1","state":"open"}}`)
	})
	if state, _ := c.ConnectionState(context.Background(), "tenant-1"); state != StateOpen {
		t.Fatalf("got %q", state)
	}
}

func TestRequestConnect(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"pairingCode":"WZYEH1YY","code":"2@ABC123","base64":"data:image/png;base64,iVBOR","count":1}`)
	})
	res, err := c.RequestConnect(context.Background(), "tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.QRCode != "data:image/png;base64,iVBOR" || res.PairingCode != "WZYEH1YY" || res.State != StateClosed {
		t.Fatalf("unexpected result %+v", res)
	}

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"code":"ABC123"}`)
	})
	if res, _ = c.RequestConnect(context.Background(), "tenant-1"); res.QRCode != "ABC123" {
		t.Fatalf("raw code not used as QR: %+v", res)
	}

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"instance":{"instanceName":"tenant-1","state":"open"}}`)
	})
	if res, _ = c.RequestConnect(context.Background(), "tenant-1"); res.State != StateOpen || res.QRCode != "" {
		t.Fatalf("open instance: %+v", res)
	}
}

func TestListMessagesEnvelopes(t *testing.T) {
	bodies := []string{
		`[{"id":"1"},{"id":"2"},{"id":"3"}]`,
		`{"messages":[{"id":"1"},{"id":"2"},{"id":"3"}]}`,
		`{"messages":{"total":3,"pages":1,"currentPage":1,"records":[{"id":"1"},{"id":"2"},{"id":"3"}]}}`,
	}
	for _, body := range bodies {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Where struct {
					Key struct {
						RemoteJid string `json:"remoteJid"`
					} `json:"key"`
				} `json:"where"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Where.Key.RemoteJid != "5511999999999@s.whatsapp.net" {
				t.Errorf("remoteJid = %q", req.Where.Key.RemoteJid)
			}
			writeJSON(w, http.StatusOK, body)
		})
		items, err := c.ListMessages(context.Background(), "tenant-1", "5511999999999@s.whatsapp.net", 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(items) != 2 {
			t.Fatalf("%s: got %d items", body, len(items))
		}
	}
}

func TestSendTextResult(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/message/sendText/tenant-1") {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		writeJSON(w, http.StatusCreated, `{"key":{"remoteJid":"5511999999999@s.whatsapp.net","fromMe":true,"id":"BAE5F1"},"status":"PENDING"}`)
	})
	res, err := c.SendText(context.Background(), "tenant-1", "5511999999999", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if res.MessageID != "BAE5F1" || res.Status != "PENDING" {
		t.Fatalf("got %+v", res)
	}
}

func TestParseState(t *testing.T) {
	for in, want := range map[string]State{"open": StateOpen, "CONNECTING": StateConnecting, "close": StateClosed, "": StateClosed, "refused": StateClosed} {
		if got := ParseState(in); got != want {
			t.Errorf("ParseState(%q) = %q", in, got)
		}
	}
}
