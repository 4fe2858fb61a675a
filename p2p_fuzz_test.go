package p2p

import (
	"errors"
	"testing"
	"time"
)

func FuzzParseAddress(f *testing.F) {
	f.Add("/ip4/127.0.0.1/tcp/4001/p2p/12D3KooWEyoppNCUx8Yx66oV9fJnriXwCcXwDDUA2kj6vnc6iDEp")
	f.Add("/ip6/::1/udp/4001/quic-v1")
	f.Add("/p2p/")
	f.Add("")
	f.Add("////")

	f.Fuzz(func(t *testing.T, input string) {
		info, err := ParseAddress(input)
		if err != nil {
			var parseErr *AddressParseError
			if !errors.As(err, &parseErr) {
				t.Fatalf("unexpected error type %T", err)
			}

			return
		}

		if info.ID == "" {
			t.Fatal("accepted an address without identity")
		}
	})
}

func FuzzDecodeEnvelope(f *testing.F) {
	valid, err := encodeEnvelope([]byte("hello"), time.Now().UnixNano())
	if err != nil {
		f.Fatal(err)
	}

	f.Add(valid)
	f.Add([]byte{})
	f.Add([]byte{0xa0})
	f.Add([]byte("plain text"))

	f.Fuzz(func(t *testing.T, data []byte) {
		env, err := decodeEnvelope(data, 1024)
		if err != nil {
			var pve *ProtocolValidationError
			if !errors.As(err, &pve) {
				t.Fatalf("unexpected error type %T", err)
			}

			return
		}

		if env.Version != envelopeVersion || env.SentAt <= 0 || len(env.Body) > 1024 {
			t.Fatalf("accepted invalid envelope %+v", env)
		}
	})
}

func FuzzConfigValidate(f *testing.F) {
	f.Add("node", "127.0.0.1", 4001, "gossipsub", int64(time.Second), 16)
	f.Add("", "", -1, "", int64(0), 0)
	f.Add("x", "not-an-ip", 70000, "meshsub", int64(-1), -5)

	f.Fuzz(func(t *testing.T, name, ip string, port int, router string, window int64, cacheSize int) {
		config := DefaultConfig()
		config.ProcessName = name
		config.ListenAddresses = []string{ip}
		config.Port = port
		config.Router = router
		config.DedupWindow = time.Duration(window)
		config.DedupCacheSize = cacheSize

		if err := config.Validate(); err == nil {
			if config.DedupWindow < time.Second || config.DedupCacheSize <= 0 || port < 0 || port > 65535 {
				t.Fatalf("accepted invalid config %+v", config)
			}
		}
	})
}
