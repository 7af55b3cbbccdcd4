package vacvision

import (
	"context"

	"github.com/luksan/leybold-opc/logging"
)

// fetchSdbSize asks the controller how large its parameter database blob
// is. The size also serves as part of the schema cache fingerprint.
func (e *engine) fetchSdbSize(ctx context.Context) (uint32, error) {
	payload, err := e.submit(ctx, "sdb version", sdbVersionRequest(), false)
	if err != nil {
		return 0, err
	}
	return parseSdbVersionResponse(payload)
}

// downloadSdb transfers the complete SDB blob in chunks. The controller
// reports the total size up front; if it keeps sending past twice the
// chunk count that size implies, the download is aborted rather than
// buffering without bound.
func (e *engine) downloadSdb(ctx context.Context) ([]byte, error) {
	size, err := e.fetchSdbSize(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := e.submit(ctx, "sdb download", sdbDownloadRequest(), false)
	if err != nil {
		return nil, err
	}
	chunk, err := parseSdbChunkResponse(payload)
	if err != nil {
		return nil, err
	}

	totEst := 1
	if len(chunk.Data) > 0 {
		totEst = int(size)/len(chunk.Data) + 1
	}

	blob := make([]byte, 0, size)
	blob = append(blob, chunk.Data...)
	pktCnt := 1
	for chunk.Continues {
		if pktCnt > totEst*2 {
			return nil, &ProtocolError{
				Op:  "sdb download",
				Msg: "chunk count exceeds twice the expected total",
			}
		}
		payload, err = e.submit(ctx, "sdb download", sdbContinueRequest(), false)
		if err != nil {
			return nil, err
		}
		if chunk, err = parseSdbChunkResponse(payload); err != nil {
			return nil, err
		}
		blob = append(blob, chunk.Data...)
		pktCnt++
		logging.DebugLog("sdb", "download chunk %d/%d (%d bytes)", pktCnt, totEst, len(chunk.Data))
	}

	if uint32(len(blob)) != size {
		logging.DebugLog("sdb", "downloaded %d bytes, controller announced %d", len(blob), size)
	}
	return blob, nil
}
