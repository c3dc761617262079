// This file implements the framed side of the control plane: the handoff
// envelope and the global timer subscribe/tick messages carried over each
// worker's AF_UNIX control connection, translating gatekeeper2worker.py's
// stringReceived dispatch and Worker.passClientHandle/submit.
package control

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/CZ-NIC/ucollect/internal/wire"
)

// EncodeHandoff builds the 'l' || str(cid) || str(decimalReplayCount) ||
// str(frame)* envelope gatekeeper2worker.py's passClientHandle sends right
// before the SCM_RIGHTS fd transfer.
func EncodeHandoff(cid string, replay [][]byte) []byte {
	body := append([]byte{}, wire.PutString(cid)...)
	body = append(body, wire.PutString(strconv.Itoa(len(replay)))...)
	for _, frame := range replay {
		body = append(body, wire.PutBytes(frame)...)
	}
	return wire.Encode(wire.OpHandoff, body)
}

// DecodeHandoff parses a handoff envelope's payload (opcode already
// stripped) back into cid and the replay frame list, the worker side of
// Worker2GatekeeperConn.stringReceived's 'l' branch.
func DecodeHandoff(payload []byte) (cid string, replay [][]byte, err error) {
	cid, rest, err := wire.TakeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("control: decoding handoff cid: %w", err)
	}
	countStr, rest, err := wire.TakeString(rest)
	if err != nil {
		return "", nil, fmt.Errorf("control: decoding handoff replay count: %w", err)
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return "", nil, fmt.Errorf("control: invalid replay count %q: %w", countStr, err)
	}

	replay = make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		var msg []byte
		msg, rest, err = wire.TakeBytes(rest)
		if err != nil {
			return "", nil, fmt.Errorf("control: decoding replay frame %d: %w", i, err)
		}
		replay = append(replay, msg)
	}
	return cid, replay, nil
}

// EncodeTimerSubscribe builds the 'T' || u32 intervalSeconds || str(timerId)
// subscription frame a worker sends on startup for each global timer it
// owns.
func EncodeTimerSubscribe(timerID string, intervalSeconds uint32) []byte {
	var intervalBuf [4]byte
	binary.BigEndian.PutUint32(intervalBuf[:], intervalSeconds)
	body := append(append([]byte{}, intervalBuf[:]...), wire.PutString(timerID)...)
	return wire.Encode(wire.OpTimerSubscribe, body)
}

// DecodeTimerSubscribe parses a 'T' payload into its interval and timer id.
func DecodeTimerSubscribe(payload []byte) (timerID string, intervalSeconds uint32, err error) {
	if len(payload) < 4 {
		return "", 0, fmt.Errorf("control: timer subscribe payload too short")
	}
	intervalSeconds = binary.BigEndian.Uint32(payload[:4])
	timerID, _, err = wire.TakeString(payload[4:])
	if err != nil {
		return "", 0, fmt.Errorf("control: decoding timer id: %w", err)
	}
	return timerID, intervalSeconds, nil
}

// EncodeTimerTick builds the 't' || str(timerId) tick frame the gatekeeper
// fans out to every subscriber when a global timer fires.
func EncodeTimerTick(timerID string) []byte {
	return wire.Encode(wire.OpTimerTick, wire.PutString(timerID))
}

// DecodeTimerTick parses a 't' payload into the fired timer id.
func DecodeTimerTick(payload []byte) (timerID string, err error) {
	timerID, _, err = wire.TakeString(payload)
	return timerID, err
}
