package main

import (
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"akiralink/pkg/protocol"
	"akiralink/pkg/protocol/codec"
)

// Generates sample binary frames for exercising transports from other
// tooling: a status response, a chunked firmware image (optionally read
// from a local file), an app catalog and a sensor body.
func main() {
	outDir := flag.String("out", "testdata/frame", "output directory for binary frames")
	image := flag.String("image", "", "firmware image file to chunk (synthetic image when empty)")
	chunkSize := flag.Int("chunk", 512, "firmware chunk size in bytes")
	flag.Parse()
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal(err)
	}

	// 1) Status response
	status := protocol.Status{
		FWVersion:   [4]byte{1, 4, 2, 0},
		Uptime:      3600,
		BatteryMV:   3950,
		BatteryPct:  87,
		CPUUsage:    9,
		FreeMemory:  96 * 1024,
		FreeStorage: 1400 * 1024,
		AppCount:    2,
		RunningApps: 1,
	}
	payload, err := status.MarshalBinary()
	if err != nil {
		log.Fatal(err)
	}
	m := protocol.NewMessage(protocol.TypeStatusResponse, protocol.SourceInternal, payload)
	m.Header.Flags |= protocol.FlagResponse
	writeOut(*outDir, "frame_status.bin", mustFrame(m))

	// 2) Firmware transfer: metadata, chunks, complete
	img := loadImage(*image)
	fm := protocol.FirmwareMetadata{
		Version:      [4]byte{1, 5, 0, 0},
		Size:         uint32(len(img)),
		Hash:         sha256.Sum256(img),
		ChunkSize:    uint16(*chunkSize),
		ChunkCount:   uint16((len(img) + *chunkSize - 1) / *chunkSize),
		ReleaseNotes: "generated sample image",
	}
	payload, err = fm.MarshalBinary()
	if err != nil {
		log.Fatal(err)
	}
	writeOut(*outDir, "frame_fw_metadata.bin",
		mustFrame(protocol.NewMessage(protocol.TypeFWMetadata, protocol.SourceCloud, payload)))
	for i, off := 0, 0; off < len(img); i, off = i+1, off+*chunkSize {
		end := off + *chunkSize
		if end > len(img) {
			end = len(img)
		}
		payload, err = protocol.Chunk{Index: uint16(i), Offset: uint32(off), Data: img[off:end]}.MarshalBinary()
		if err != nil {
			log.Fatal(err)
		}
		cm := protocol.NewMessage(protocol.TypeFWChunk, protocol.SourceCloud, payload)
		if end == len(img) {
			cm.Header.Flags |= protocol.FlagFinal
		}
		writeOut(*outDir, fmt.Sprintf("frame_fw_chunk_%03d.bin", i), mustFrame(cm))
	}
	writeOut(*outDir, "frame_fw_complete.bin",
		mustFrame(protocol.NewMessage(protocol.TypeFWComplete, protocol.SourceCloud, nil)))

	// 3) App catalog
	payload, err = protocol.EncodeCatalog([]protocol.AppEntry{
		{AppID: "com.akira.weather", Name: "Weather", Version: [4]byte{0, 9, 1, 0}, Installed: true},
		{AppID: "com.akira.timer", Name: "Timer", Version: [4]byte{1, 0, 0, 0}, Installed: true, HasUpdate: true},
	})
	if err != nil {
		log.Fatal(err)
	}
	am := protocol.NewMessage(protocol.TypeAppListResponse, protocol.SourceCloud, payload)
	am.Header.Flags |= protocol.FlagResponse
	writeOut(*outDir, "frame_app_catalog.bin", mustFrame(am))

	// 4) CBOR sensor body
	reg := codec.NewRegistry()
	if c, err := codec.CBOR(); err == nil {
		reg.Register(c)
	}
	payload, err = protocol.EncodeBody(reg, protocol.FormatCBOR, map[string]any{"sensor": "hr", "value": 72})
	if err != nil {
		log.Fatal(err)
	}
	writeOut(*outDir, "frame_sensor.bin",
		mustFrame(protocol.NewMessage(protocol.TypeSensorData, protocol.SourceInternal, payload)))

	fmt.Println("Generated frames in", *outDir)
}

func loadImage(path string) []byte {
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			log.Fatal(err)
		}
		return b
	}
	img := make([]byte, 1536)
	for i := range img {
		img[i] = byte(i)
	}
	return img
}

func mustFrame(m *protocol.Message) []byte {
	b, err := m.EncodeFrame()
	if err != nil {
		log.Fatal(err)
	}
	return b
}

func writeOut(dir, name string, b []byte) {
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, b, 0o644); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%-28s %5d bytes  head: %s\n", name, len(b), shortHex(b, 32))
}

func shortHex(b []byte, n int) string {
	if len(b) == 0 {
		return ""
	}
	if n > len(b) {
		n = len(b)
	}
	enc := hex.EncodeToString(b[:n])
	var out []string
	for i := 0; i < len(enc); i += 4 {
		j := i + 4
		if j > len(enc) {
			j = len(enc)
		}
		out = append(out, enc[i:j])
	}
	return strings.Join(out, " ")
}
