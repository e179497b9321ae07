package audit

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quorumworks/council/pkg/canonicalize"
	"github.com/quorumworks/council/pkg/contracts"
)

// EvidencePack is the exportable bundle for one session: everything a
// reviewer or regulator needs to replay the decision offline.
type EvidencePack struct {
	SessionID   string    `json:"session_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Checksum    string    `json:"checksum"`
	Archive     []byte    `json:"-"`
}

// PackInput collects the material included in an evidence pack. Case
// and Decision may be nil when the session produced neither.
type PackInput struct {
	Session  contracts.Session
	Votes    []contracts.Vote
	Decision *contracts.Decision
	Case     *contracts.EscalationCase
	Entries  []Entry
}

type packManifest struct {
	SessionID   string            `json:"session_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	Files       map[string]string `json:"files"`
}

// BuildPack assembles a zip archive from in. Each file's sha256 is
// listed in manifest.json; the pack checksum covers the archive bytes.
func BuildPack(in PackInput, now time.Time) (EvidencePack, error) {
	files := map[string]interface{}{
		"session.json": in.Session,
		"votes.json":   in.Votes,
		"audit.json":   in.Entries,
	}
	if in.Decision != nil {
		files["decision.json"] = in.Decision
	}
	if in.Case != nil {
		files["case.json"] = in.Case
	}

	manifest := packManifest{
		SessionID:   in.Session.ID,
		GeneratedAt: now.UTC(),
		Files:       make(map[string]string, len(files)),
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	encoded := make(map[string][]byte, len(files))
	for name, payload := range files {
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return EvidencePack{}, fmt.Errorf("audit: encode %s: %w", name, err)
		}
		encoded[name] = data
		manifest.Files[name] = canonicalize.HashBytes(data)
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return EvidencePack{}, fmt.Errorf("audit: encode manifest: %w", err)
	}
	if err := writeZipFile(zw, "manifest.json", manifestData); err != nil {
		return EvidencePack{}, err
	}
	// Deterministic member order keeps the archive reproducible.
	for _, name := range []string{"session.json", "votes.json", "audit.json", "decision.json", "case.json"} {
		data, ok := encoded[name]
		if !ok {
			continue
		}
		if err := writeZipFile(zw, name, data); err != nil {
			return EvidencePack{}, err
		}
	}
	if err := zw.Close(); err != nil {
		return EvidencePack{}, fmt.Errorf("audit: finalize archive: %w", err)
	}

	archive := buf.Bytes()
	return EvidencePack{
		SessionID:   in.Session.ID,
		GeneratedAt: manifest.GeneratedAt,
		Checksum:    canonicalize.HashBytes(archive),
		Archive:     archive,
	}, nil
}

func writeZipFile(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("audit: create %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("audit: write %s: %w", name, err)
	}
	return nil
}
