package keysync

import "github.com/vmihailenco/msgpack/v4"

// keyInfo is the wire format for one instance's key-sync payload entry:
// its currently-active epoch and its opaque exported private key state.
type keyInfo struct {
	Epoch    uint8
	KeyState []byte
}

// keyBundle is the full import/export payload, keyed by instance name.
type keyBundle map[string]keyInfo

func encodeKeyBundle(b keyBundle) ([]byte, error) {
	return msgpack.Marshal(b)
}

func decodeKeyBundle(data []byte) (keyBundle, error) {
	var b keyBundle
	if err := msgpack.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return b, nil
}
