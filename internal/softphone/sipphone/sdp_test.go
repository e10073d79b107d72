package sipphone

import (
	"strings"
	"testing"
)

func TestBuildAndParseSDP(t *testing.T) {
	body, err := buildSDP(mediaOffer{
		Addr:       "192.0.2.10",
		Port:       40000,
		SessionID:  42,
		Codecs:     []Codec{CodecPCMU, CodecPCMA},
		TelEventPT: DefaultTelephoneEventPT,
	})
	if err != nil {
		t.Fatalf("buildSDP: %v", err)
	}

	text := string(body)
	for _, want := range []string{
		"m=audio 40000 RTP/AVP 0 8 101",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:8 PCMA/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=fmtp:101 0-15",
		"a=ptime:20",
		"c=IN IP4 192.0.2.10",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("SDP missing %q:\n%s", want, text)
		}
	}

	rm, err := parseSDP(body)
	if err != nil {
		t.Fatalf("parseSDP: %v", err)
	}
	if rm.Addr != "192.0.2.10" || rm.Port != 40000 {
		t.Errorf("endpoint = %s:%d", rm.Addr, rm.Port)
	}
	if rm.TelEventPT != 101 {
		t.Errorf("telephone-event PT = %d", rm.TelEventPT)
	}
}

func TestParseSDPMediaLevelConnection(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 1 1 IN IP4 198.51.100.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=audio 5004 RTP/AVP 8 96\r\n" +
		"c=IN IP4 198.51.100.7\r\n" +
		"a=rtpmap:8 PCMA/8000\r\n" +
		"a=rtpmap:96 telephone-event/8000\r\n"

	rm, err := parseSDP([]byte(body))
	if err != nil {
		t.Fatalf("parseSDP: %v", err)
	}
	if rm.Addr != "198.51.100.7" || rm.Port != 5004 || rm.TelEventPT != 96 {
		t.Errorf("got %+v", rm)
	}

	codec, err := negotiate([]Codec{CodecPCMU, CodecPCMA}, rm.Formats)
	if err != nil || codec.Name != "PCMA" {
		t.Errorf("negotiate = %v, %v; want PCMA", codec.Name, err)
	}
}

func TestParseSDPErrors(t *testing.T) {
	if _, err := parseSDP(nil); err == nil {
		t.Error("empty body should fail")
	}
	noAudio := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=video 5000 RTP/AVP 96\r\n"
	if _, err := parseSDP([]byte(noAudio)); err == nil {
		t.Error("SDP without audio should fail")
	}
}

func TestNegotiateNoCommonCodec(t *testing.T) {
	if _, err := negotiate([]Codec{CodecPCMU}, []string{"8", "18"}); err == nil {
		t.Error("expected no common codec")
	}
}

func TestParseCodecs(t *testing.T) {
	got, err := ParseCodecs([]string{"pcma", "0"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "PCMA" || got[1].Name != "PCMU" {
		t.Errorf("got %v", got)
	}
	if def, _ := ParseCodecs(nil); len(def) != 2 || def[0].Name != "PCMU" {
		t.Errorf("default codecs = %v", def)
	}
	if _, err := ParseCodecs([]string{"opus"}); err == nil {
		t.Error("opus is not supported")
	}
}

func TestCodecRoundTrip(t *testing.T) {
	in := []int16{0, 1000, -1000, 8000, -8000, 30000}
	for _, c := range []Codec{CodecPCMU, CodecPCMA} {
		out := c.Decode(c.Encode(in))
		if len(out) != len(in) {
			t.Fatalf("%s: length %d", c.Name, len(out))
		}
		for i := range in {
			diff := int(out[i]) - int(in[i])
			if diff < 0 {
				diff = -diff
			}
			// G.711 quantisation error grows with amplitude.
			if limit := 16 + abs(int(in[i]))/16; diff > limit {
				t.Errorf("%s sample %d: %d -> %d", c.Name, i, in[i], out[i])
			}
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
