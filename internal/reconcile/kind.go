package reconcile

// Kind describes how one entity kind is keyed and what its records default
// to on first insert. The engine is written once and instantiated per kind;
// the three registry kinds only differ in this descriptor and their table.
type Kind struct {
	// Name prefixes lock and cache keys and names the kind in logs.
	Name string

	// SecondaryAttr is the attribute carrying the kind's rotating token
	// (device session token, media-server proxy key). Empty when the kind
	// has no secondary key. The engine lifts this attribute into
	// Record.SecondaryKey and keeps the old value for cache eviction when
	// it rotates.
	SecondaryAttr string

	// Defaults are merged under caller attributes on create only.
	Defaults map[string]string
}

// LockName returns the mutation lock name for a natural key, or the
// synthetic "new" name when the key is not yet known.
func (k Kind) LockName(naturalKey string) string {
	if naturalKey == "" {
		return "mutate:" + k.Name + ":new"
	}
	return "mutate:" + k.Name + ":" + naturalKey
}

// Registry entity kinds.
//
// Device defaults mirror what signalling endpoints assume before their first
// catalog/config exchange; stream defaults mirror the media server's pull
// proxy options.
var (
	KindDevice = Kind{
		Name:          "device",
		SecondaryAttr: "session_token",
		Defaults: map[string]string{
			"transport": "UDP",
			"charset":   "GB2312",
		},
	}

	KindStream = Kind{
		Name:          "stream",
		SecondaryAttr: "proxy_key",
		Defaults: map[string]string{
			"rtp_type":     "tcp",
			"enable_audio": "true",
		},
	}

	KindNode = Kind{
		Name:          "node",
		SecondaryAttr: "boot_id",
		Defaults: map[string]string{
			"hook_enabled": "true",
		},
	}
)
