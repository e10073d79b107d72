package sipphone

import (
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
)

func newTestPhone(t *testing.T, cfg Config) *Phone {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestTargetURI(t *testing.T) {
	p := newTestPhone(t, Config{Domain: "pbx.example.com"})

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "+1 (555) 010-2000", want: "sip:+15550102000@pbx.example.com"},
		{in: "sip:alice@other.example.com", want: "sip:alice@other.example.com"},
		{in: " - ", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := p.targetURI(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("targetURI(%q) = %s, want error", tt.in, got.String())
			}
			continue
		}
		if err != nil {
			t.Errorf("targetURI(%q): %v", tt.in, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("targetURI(%q) = %s, want %s", tt.in, got.String(), tt.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	if cfg.Port != 5070 || cfg.Domain != cfg.AdvertiseAddr {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.InviteTimeout != time.Minute || cfg.ToneDuration != 200*time.Millisecond {
		t.Errorf("timeouts = %v, %v", cfg.InviteTimeout, cfg.ToneDuration)
	}
}

func TestCreateAgentIdentity(t *testing.T) {
	p := newTestPhone(t, Config{})
	if _, err := p.CreateAgent(t.Context(), "", ""); err == nil {
		t.Error("empty identity without a username should fail")
	}
	agent, err := p.CreateAgent(t.Context(), "", "agent-7")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Identity != "agent-7" || p.currentIdentity() != "agent-7" {
		t.Errorf("identity = %q", agent.Identity)
	}
}

func TestUnknownCall(t *testing.T) {
	p := newTestPhone(t, Config{})
	if err := p.HangUp(t.Context(), "nope"); err == nil {
		t.Error("HangUp on unknown call should fail")
	}
	if err := p.Mute(t.Context(), "nope"); err == nil {
		t.Error("Mute on unknown call should fail")
	}
}

func challengeFor(req *sip.Request, code sip.StatusCode, header string) *sip.Response {
	resp := sip.NewResponseFromRequest(req, code, "Unauthorized", nil)
	resp.AppendHeader(sip.NewHeader(header, `Digest realm="pbx.example.com", nonce="4f1c2a", algorithm=MD5`))
	return resp
}

func testRequest() *sip.Request {
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: "pbx.example.com"})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 4, MethodName: sip.REGISTER})
	callID := sip.CallIDHeader("reg-1")
	req.AppendHeader(&callID)
	return req
}

func TestAuthorize(t *testing.T) {
	req := testRequest()
	next, err := authorize(req, challengeFor(req, sip.StatusUnauthorized, "WWW-Authenticate"), "1001", "secret")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if next == req {
		t.Fatal("authorize must not modify the original request")
	}
	if got := next.CSeq().SeqNo; got != 5 {
		t.Errorf("CSeq = %d, want 5", got)
	}
	if req.CSeq().SeqNo != 4 {
		t.Error("original CSeq changed")
	}
	h := next.GetHeader("Authorization")
	if h == nil {
		t.Fatal("no Authorization header")
	}
	for _, want := range []string{`username="1001"`, `realm="pbx.example.com"`, `nonce="4f1c2a"`, "response="} {
		if !strings.Contains(h.Value(), want) {
			t.Errorf("Authorization %q missing %s", h.Value(), want)
		}
	}
}

func TestAuthorizeProxy(t *testing.T) {
	req := testRequest()
	next, err := authorize(req, challengeFor(req, sip.StatusProxyAuthRequired, "Proxy-Authenticate"), "1001", "secret")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if next.GetHeader("Proxy-Authorization") == nil {
		t.Error("no Proxy-Authorization header")
	}

	bare := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
	if _, err := authorize(req, bare, "1001", "secret"); err == nil {
		t.Error("challenge without header should fail")
	}
}

func TestGrantedExpiry(t *testing.T) {
	req := testRequest()

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if got := grantedExpiry(resp, time.Hour); got != time.Hour {
		t.Errorf("no expiry = %v, want requested", got)
	}

	resp.AppendHeader(sip.NewHeader("Expires", "600"))
	if got := grantedExpiry(resp, time.Hour); got != 10*time.Minute {
		t.Errorf("Expires header = %v", got)
	}

	contact := &sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "1001", Host: "192.0.2.5"},
		Params:  sip.NewParams(),
	}
	contact.Params.Add("expires", "120")
	resp.AppendHeader(contact)
	if got := grantedExpiry(resp, time.Hour); got != 2*time.Minute {
		t.Errorf("contact expires = %v", got)
	}
}

func TestRefreshAfter(t *testing.T) {
	if got := refreshAfter(time.Hour); got != 59*time.Minute {
		t.Errorf("refreshAfter(1h) = %v", got)
	}
	if got := refreshAfter(time.Minute); got != 30*time.Second {
		t.Errorf("refreshAfter(1m) = %v", got)
	}
}
