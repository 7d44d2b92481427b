package punch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/nvidia/nvremote/punchcore/internal/signaling"
)

// duidPrefix is prepended to client-generated device unique ids (spec
// glossary: "DUID ... prefixed by a fixed string in the client-generated
// form").
const duidPrefix = "CLIENT-"

// Device is a single console entry returned by ListDevices.
type Device struct {
	UID        [32]byte
	Name       string
	RemotePlay bool
}

// ListDevices fetches the caller's registered consoles of the given family
// (spec §6 consumer API: list_devices).
func ListDevices(ctx context.Context, token, baseURL string, family signaling.Family) ([]Device, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := signaling.NewClient(baseURL, token)

	infos, err := client.ListDevices(ctx, family)
	if err != nil {
		return nil, wrapTransportErr("list_devices", err)
	}

	devices := make([]Device, len(infos))
	for i, info := range infos {
		devices[i] = Device{UID: info.DUID, Name: info.Name, RemotePlay: info.RemotePlay}
	}
	return devices, nil
}

// GenerateClientDeviceUID writes DUID_PREFIX followed by 32 lowercase hex
// characters (16 random bytes) into buf, returning the number of bytes
// written. buf must be at least len(duidPrefix)+32 bytes (spec §6:
// generate_client_device_uid).
func GenerateClientDeviceUID(buf []byte) (int, error) {
	want := len(duidPrefix) + 32
	if len(buf) < want {
		return 0, wrapErr("generate_client_device_uid", ErrBufferTooSmall,
			fmt.Errorf("buffer has %d bytes, need %d", len(buf), want))
	}

	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return 0, wrapErr("generate_client_device_uid", ErrCrypto, err)
	}

	n := copy(buf, duidPrefix)
	n += copy(buf[n:], hex.EncodeToString(raw[:]))
	return n, nil
}
