package config

// TransportConfig describes one transport kind and its endpoints.
// Example YAML:
//
//	transports:
//	  - kind: tcp
//	    listen: [":7700"]
//	  - kind: quic
//	    listen: [":7701"]
//	  - kind: ws
//	    listen: [":7702"]
//	  - kind: winpipe
//	    listen: ["\\\\.\\pipe\\taskmesh"]
//	  - kind: mem
//	    listen: ["inproc://test"]
type TransportConfig struct {
	Kind   string           `mapstructure:"kind"`
	Listen []string         `mapstructure:"listen"`
	Dial   []PeerDialConfig `mapstructure:"dial"`
	// Extra holds transport-specific options (reserved for future use)
	Extra map[string]any `mapstructure:"extra"`
}

// PeerDialConfig describes a target to dial on startup.
type PeerDialConfig struct {
	Address string `mapstructure:"address"`
	PeerID  string `mapstructure:"peer_id"`
}

// FirstDialTarget returns the first configured dial endpoint across the
// transport list, used by dialing peers when no explicit target is given.
func FirstDialTarget(tcs []TransportConfig) (kind, addr string, ok bool) {
	for _, tc := range tcs {
		for _, d := range tc.Dial {
			if d.Address != "" {
				return tc.Kind, d.Address, true
			}
		}
	}
	return "", "", false
}
