package archive

import (
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
	"pkt.systems/tlogplay/schema"
)

const descriptorPrefix = "tlogplay:archive:"

// EnsureKeyStore creates or loads the key store at path and ensures a root key exists.
func EnsureKeyStore(path string, logger pslog.Logger) error {
	if path == "" {
		return fmt.Errorf("archive key store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		if logger != nil {
			logger.Warn("archive key store ensure failed", "err", err)
		}
		return err
	}
	store, err := keymgmt.LoadProto(path)
	if err != nil {
		if logger != nil {
			logger.Warn("archive key store ensure failed", "err", err)
		}
		return err
	}
	if _, err := store.EnsureRootKey(); err != nil {
		if logger != nil {
			logger.Warn("archive key store ensure failed", "err", err)
		}
		return err
	}
	if err := store.Commit(); err != nil {
		if logger != nil {
			logger.Warn("archive key store ensure failed", "err", err)
		}
		return err
	}
	if logger != nil {
		logger.Debug("archive key store ensure ok", "path", path)
	}
	return nil
}

// materialFor returns the data key sealing one recording. A fresh key is
// minted when mint is set, replacing any earlier one.
func (s *Store) materialFor(id schema.RecordingID, mint bool) (keymgmt.Material, keymgmt.RootKey, error) {
	store, err := keymgmt.LoadProto(s.keyStorePath)
	if err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	name := descriptorPrefix + string(id)
	var material keymgmt.Material
	if mint {
		material, err = keymgmt.MintDEK(root, []byte(name))
		if err != nil {
			return keymgmt.Material{}, keymgmt.RootKey{}, fmt.Errorf("mint archive key: %w", err)
		}
		if err := store.SetDescriptor(name, material.Descriptor); err != nil {
			return keymgmt.Material{}, keymgmt.RootKey{}, err
		}
	} else {
		material, err = store.EnsureDescriptor(name, root, []byte(name))
		if err != nil {
			return keymgmt.Material{}, keymgmt.RootKey{}, err
		}
	}
	if err := store.Commit(); err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	return material, root, nil
}
