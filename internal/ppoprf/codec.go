package ppoprf

import "github.com/vmihailenco/msgpack/v4"

func encodeKeyStates(states []keyState) []byte {
	b, err := msgpack.Marshal(states)
	if err != nil {
		// keyState only holds a uint8, a []byte and a bool: marshaling
		// cannot fail.
		panic("ppoprf: BUG: failed to marshal key state: " + err.Error())
	}
	return b
}

func decodeKeyStates(data []byte) ([]keyState, error) {
	var states []keyState
	if err := msgpack.Unmarshal(data, &states); err != nil {
		return nil, err
	}
	return states, nil
}
