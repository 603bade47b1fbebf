package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// authorizedKeysPath is the flat file backing `add-key`/`import`. The full
// SSH authentication layer spec.md §1 puts out of scope; this is the one
// piece of bookkeeping the CLI surface (§6) still names — accepting and
// persisting public keys an (unimplemented) transport would later check
// against.
func authorizedKeysPath(dataDir string) string {
	return filepath.Join(dataDir, "auth.db")
}

// addAuthorizedKey validates line as an OpenSSH public key and appends it
// to dataDir's key store, deduplicating by marshaled key bytes.
func addAuthorizedKey(dataDir, line string) error {
	pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return configError{fmt.Errorf("invalid public key: %w", err)}
	}

	path := authorizedKeysPath(dataDir)
	existing, err := readAuthorizedKeys(path)
	if err != nil {
		return runtimeError{err}
	}
	marshaled := string(ssh.MarshalAuthorizedKey(pub))
	for _, e := range existing {
		if string(ssh.MarshalAuthorizedKey(e.key)) == marshaled {
			return nil // already present
		}
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return runtimeError{err}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return runtimeError{err}
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s%s\n", strings.TrimSuffix(marshaled, "\n"), commentSuffix(comment))
	if err != nil {
		return runtimeError{err}
	}
	return nil
}

func commentSuffix(comment string) string {
	if comment == "" {
		return ""
	}
	return " " + comment
}

type authorizedKey struct {
	key     ssh.PublicKey
	comment string
}

func readAuthorizedKeys(path string) ([]authorizedKey, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var keys []authorizedKey
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			continue
		}
		keys = append(keys, authorizedKey{key: pub, comment: comment})
	}
	return keys, scanner.Err()
}

// importAuthorizedKeys reads every public key line out of srcPath and adds
// each to dataDir's key store (spec.md §6: "import authorized keys").
func importAuthorizedKeys(dataDir, srcPath string) (int, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return 0, configError{err}
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := addAuthorizedKey(dataDir, line); err != nil {
			return count, err
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, runtimeError{err}
	}
	return count, nil
}
