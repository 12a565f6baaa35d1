package main

import (
	"io"
	"time"
)

func (mc *MinerConn) writeJSON(v any) error {
	b, err := fastJSONMarshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return mc.writeBytes(b)
}

func (mc *MinerConn) writeBytes(b []byte) error {
	mc.writeMu.Lock()
	defer mc.writeMu.Unlock()

	if err := mc.conn.SetWriteDeadline(time.Now().Add(stratumWriteTimeout)); err != nil {
		return err
	}
	for len(b) > 0 {
		n, err := mc.conn.Write(b)
		if n > 0 {
			b = b[n:]
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

func (mc *MinerConn) writeResponse(resp StratumResponse) {
	if err := mc.writeJSON(resp); err != nil {
		logger.Error("write error", "remote", mc.id, "error", err)
	}
}

func (mc *MinerConn) writeTrueResponse(id any) {
	mc.writeResponse(StratumResponse{ID: id, Result: true, Error: nil})
}

func (mc *MinerConn) writeErrorResponse(id any, code int, msg string) {
	mc.writeResponse(StratumResponse{ID: id, Result: nil, Error: newStratumError(code, msg)})
}
