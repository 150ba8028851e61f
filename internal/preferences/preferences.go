// Package preferences persists the small set of user-level settings the
// facade and MCP supervisor need before any relational store is wired up:
// the selected LLM provider/model, per-provider API keys, the MCP server
// list, and an opaque user-profile blob. Everything secret-shaped is
// encrypted at rest via security.Encryptor, matching spec's requirement
// that provider API keys, profile JSON, and MCP per-server env values are
// never written to disk in the clear.
package preferences

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/thereseai/therese/internal/models"
	"github.com/thereseai/therese/internal/security"
)

// FileName is the preferences file under the data directory, mode 0600
// like the MCP server list and the session-token file.
const FileName = "preferences.json"

// Store is the process-singleton preferences holder. Reads and writes are
// serialized; Save persists the whole file so callers never need partial
// merge logic.
type Store struct {
	mu       sync.RWMutex
	path     string
	enc      *security.Encryptor
	provider string
	model    string
	apiKeys  map[string]string // provider -> encrypted API key
	profile  string            // encrypted JSON blob, empty if unset
	servers  []models.MCPServer
}

// fileShape is the on-disk JSON representation; secret fields hold
// ciphertext produced by security.Encryptor.
type fileShape struct {
	LLMProvider string              `json:"llm_provider,omitempty"`
	LLMModel    string              `json:"llm_model,omitempty"`
	APIKeys     map[string]string   `json:"api_keys,omitempty"`
	Profile     string              `json:"profile,omitempty"`
	MCPServers  []models.MCPServer  `json:"mcp_servers,omitempty"`
}

// Load reads <dataDir>/preferences.json, creating an empty in-memory store
// (and directory) if the file doesn't exist yet.
func Load(dataDir string, enc *security.Encryptor) (*Store, error) {
	path := filepath.Join(dataDir, FileName)
	s := &Store{path: path, enc: enc, apiKeys: map[string]string{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(dataDir, 0o700); mkErr != nil {
				return nil, mkErr
			}
			return s, nil
		}
		return nil, fmt.Errorf("preferences: read %s: %w", path, err)
	}

	var shape fileShape
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("preferences: decode %s: %w", path, err)
	}
	s.provider = shape.LLMProvider
	s.model = shape.LLMModel
	s.profile = shape.Profile
	s.servers = shape.MCPServers
	if shape.APIKeys != nil {
		s.apiKeys = shape.APIKeys
	}
	return s, nil
}

// save writes the current state to disk with mode 0600. Callers must hold
// at least a read lock on s.mu; the caller lock is upgraded by the public
// mutating methods before calling this.
func (s *Store) save() error {
	shape := fileShape{
		LLMProvider: s.provider,
		LLMModel:    s.model,
		APIKeys:     s.apiKeys,
		Profile:     s.profile,
		MCPServers:  s.servers,
	}
	data, err := json.MarshalIndent(shape, "", "  ")
	if err != nil {
		return fmt.Errorf("preferences: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// LLMSelection returns the persisted provider/model preference, if any.
func (s *Store) LLMSelection() (provider, model string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider, s.model
}

// SetLLMSelection persists the active provider/model choice.
func (s *Store) SetLLMSelection(provider, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider, s.model = provider, model
	return s.save()
}

// APIKey decrypts and returns the stored key for provider, if present.
func (s *Store) APIKey(provider string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ciphertext, ok := s.apiKeys[provider]
	if !ok || ciphertext == "" {
		return "", false, nil
	}
	plain, err := s.enc.Decrypt(ciphertext)
	if err != nil {
		return "", false, fmt.Errorf("preferences: decrypt api key for %s: %w", provider, err)
	}
	return plain, true, nil
}

// SetAPIKey encrypts key and persists it for provider. An empty key
// deletes the stored entry.
func (s *Store) SetAPIKey(provider, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" {
		delete(s.apiKeys, provider)
		return s.save()
	}
	ciphertext, err := s.enc.Encrypt(key)
	if err != nil {
		return fmt.Errorf("preferences: encrypt api key for %s: %w", provider, err)
	}
	s.apiKeys[provider] = ciphertext
	return s.save()
}

// Profile decrypts and returns the stored profile JSON blob, if any.
func (s *Store) Profile() (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == "" {
		return nil, nil
	}
	plain, err := s.enc.Decrypt(s.profile)
	if err != nil {
		return nil, fmt.Errorf("preferences: decrypt profile: %w", err)
	}
	return json.RawMessage(plain), nil
}

// SetProfile encrypts and persists a new profile JSON blob.
func (s *Store) SetProfile(profile json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ciphertext, err := s.enc.Encrypt(string(profile))
	if err != nil {
		return fmt.Errorf("preferences: encrypt profile: %w", err)
	}
	s.profile = ciphertext
	return s.save()
}

// MCPServers returns the persisted server list with env values decrypted.
func (s *Store) MCPServers() ([]models.MCPServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MCPServer, len(s.servers))
	for i, srv := range s.servers {
		decrypted := srv
		if len(srv.Env) > 0 {
			decrypted.Env = make(map[string]string, len(srv.Env))
			for k, v := range srv.Env {
				plain, err := s.enc.Decrypt(v)
				if err != nil {
					return nil, fmt.Errorf("preferences: decrypt env %q for server %s: %w", k, srv.ID, err)
				}
				decrypted.Env[k] = plain
			}
		}
		out[i] = decrypted
	}
	return out, nil
}

// SetMCPServers replaces the persisted server list, encrypting every
// server's env map before writing.
func (s *Store) SetMCPServers(servers []models.MCPServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encrypted := make([]models.MCPServer, len(servers))
	for i, srv := range servers {
		entry := srv
		if len(srv.Env) > 0 {
			entry.Env = make(map[string]string, len(srv.Env))
			for k, v := range srv.Env {
				ciphertext, err := s.enc.Encrypt(v)
				if err != nil {
					return fmt.Errorf("preferences: encrypt env %q for server %s: %w", k, srv.ID, err)
				}
				entry.Env[k] = ciphertext
			}
		}
		encrypted[i] = entry
	}
	s.servers = encrypted
	return s.save()
}

// UpsertMCPServer adds or replaces a single server by ID, then persists.
func (s *Store) UpsertMCPServer(server models.MCPServer) error {
	decrypted, err := s.MCPServers()
	if err != nil {
		return err
	}
	found := false
	for i, srv := range decrypted {
		if srv.ID == server.ID {
			decrypted[i] = server
			found = true
			break
		}
	}
	if !found {
		decrypted = append(decrypted, server)
	}
	return s.SetMCPServers(decrypted)
}

// RemoveMCPServer deletes a server by ID, then persists.
func (s *Store) RemoveMCPServer(id string) error {
	decrypted, err := s.MCPServers()
	if err != nil {
		return err
	}
	out := decrypted[:0]
	for _, srv := range decrypted {
		if srv.ID != id {
			out = append(out, srv)
		}
	}
	return s.SetMCPServers(out)
}
