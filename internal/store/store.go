package store

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"canvas-gateway/internal/model"
	"github.com/google/uuid"
)

var (
	ErrPairingCodeNotFound = errors.New("pairing code not found")
	ErrPairingCodeExpired  = errors.New("pairing code expired")
	ErrPairingCodeConsumed = errors.New("pairing code already used")
	ErrDeviceLimitReached  = errors.New("device limit reached")
	ErrInvalidDeviceType   = errors.New("invalid device type")
	ErrDeviceOwnedByOther  = errors.New("device registered to another user")
)

type Store struct {
	mu sync.RWMutex

	devicesStateFile string
	persistMu        sync.Mutex

	pairingTTL time.Duration
	maxDevices int

	accountsByPublicKey map[string]model.Account
	authRequestsByKey   map[string]model.AuthRequest

	devicesByID  map[string]model.Device
	pairingCodes map[string]model.PairingCode

	canvases *canvasStore
	chat     *chatLog
}

type Options struct {
	DevicesStateFile string
	PairingCodeTTL   time.Duration
	MaxDevices       int
}

func New() *Store {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Store {
	if opts.PairingCodeTTL <= 0 {
		opts.PairingCodeTTL = 5 * time.Minute
	}
	if opts.MaxDevices <= 0 {
		opts.MaxDevices = 10
	}

	s := &Store{
		devicesStateFile:    opts.DevicesStateFile,
		pairingTTL:          opts.PairingCodeTTL,
		maxDevices:          opts.MaxDevices,
		accountsByPublicKey: make(map[string]model.Account),
		authRequestsByKey:   make(map[string]model.AuthRequest),
		devicesByID:         make(map[string]model.Device),
		pairingCodes:        make(map[string]model.PairingCode),
		canvases:            newCanvasStore(),
		chat:                newChatLog(),
	}

	if s.devicesStateFile != "" {
		if err := s.loadDevicesFromFile(s.devicesStateFile); err != nil {
			log.Printf("devices persistence: load failed (%s): %v", s.devicesStateFile, err)
		}
	}

	return s
}

type persistedDevicesFile struct {
	Version int            `json:"version"`
	Devices []model.Device `json:"devices"`
	SavedAt int64          `json:"savedAt"`
}

func (s *Store) loadDevicesFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedDevicesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported devices state version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range file.Devices {
		if d.ID == "" || d.UserID == "" {
			continue
		}
		s.devicesByID[d.ID] = d
	}
	return nil
}

func (s *Store) snapshotDevicesLocked() []model.Device {
	result := make([]model.Device, 0, len(s.devicesByID))
	for _, d := range s.devicesByID {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *Store) persistDevicesSnapshot(devices []model.Device) {
	path := s.devicesStateFile
	if path == "" {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Printf("devices persistence: mkdir failed (%s): %v", dir, err)
		return
	}

	file := persistedDevicesFile{Version: 1, Devices: devices, SavedAt: time.Now().UnixMilli()}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		log.Printf("devices persistence: marshal failed: %v", err)
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		log.Printf("devices persistence: create temp failed: %v", err)
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		log.Printf("devices persistence: chmod temp failed: %v", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		log.Printf("devices persistence: write temp failed: %v", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		log.Printf("devices persistence: sync temp failed: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		log.Printf("devices persistence: close temp failed: %v", err)
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		log.Printf("devices persistence: rename failed: %v", err)
		return
	}
}

func (s *Store) GetOrCreateAccount(publicKey string, nowMillis int64) (model.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.accountsByPublicKey[publicKey]; ok {
		return existing, false
	}

	acc := model.Account{
		ID:        uuid.NewString(),
		PublicKey: publicKey,
		CreatedAt: nowMillis,
	}
	s.accountsByPublicKey[publicKey] = acc
	return acc, true
}

func (s *Store) GetAuthRequest(publicKey string) (model.AuthRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.authRequestsByKey[publicKey]
	return req, ok
}

func (s *Store) UpsertAuthRequest(publicKey string, nowMillis int64) model.AuthRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.authRequestsByKey[publicKey]; ok {
		existing.UpdatedAt = nowMillis
		s.authRequestsByKey[publicKey] = existing
		return existing
	}

	req := model.AuthRequest{
		ID:        uuid.NewString(),
		PublicKey: publicKey,
		CreatedAt: nowMillis,
		UpdatedAt: nowMillis,
	}
	s.authRequestsByKey[publicKey] = req
	return req
}

func (s *Store) AuthorizeAuthRequest(publicKey, response, responseAccountID, token string, nowMillis int64) (model.AuthRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.authRequestsByKey[publicKey]
	if !ok {
		return model.AuthRequest{}, false
	}
	req.Response = response
	req.ResponseAccountID = responseAccountID
	req.Token = token
	req.UpdatedAt = nowMillis
	s.authRequestsByKey[publicKey] = req
	return req, true
}

// IssuePairingCode mints a fresh 6-digit single-use code bound to userID.
// Expired codes are purged lazily on every issue.
func (s *Store) IssuePairingCode(userID string, nowMillis int64) (model.PairingCode, error) {
	if userID == "" {
		return model.PairingCode{}, errors.New("missing userID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgePairingCodesLocked(nowMillis)

	var code string
	for attempt := 0; ; attempt++ {
		c, err := randomPairingCode()
		if err != nil {
			return model.PairingCode{}, err
		}
		if _, taken := s.pairingCodes[c]; !taken {
			code = c
			break
		}
		if attempt >= 100 {
			return model.PairingCode{}, errors.New("pairing code space exhausted")
		}
	}

	pc := model.PairingCode{
		Code:      code,
		UserID:    userID,
		IssuedAt:  nowMillis,
		ExpiresAt: nowMillis + s.pairingTTL.Milliseconds(),
	}
	s.pairingCodes[code] = pc
	return pc, nil
}

func randomPairingCode() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(buf[:]) % 1000000
	return fmt.Sprintf("%06d", n), nil
}

func (s *Store) purgePairingCodesLocked(nowMillis int64) {
	for code, pc := range s.pairingCodes {
		if nowMillis >= pc.ExpiresAt {
			delete(s.pairingCodes, code)
		}
	}
}

// VerifyPairingCode consumes code and registers the new device under the
// code's user. A consumed code stays in the table until it expires so a
// second attempt is reported as already-used rather than not-found.
func (s *Store) VerifyPairingCode(code, deviceID, deviceType string, nowMillis int64) (model.Device, error) {
	if deviceID == "" {
		return model.Device{}, errors.New("missing device id")
	}
	if !model.ValidDeviceType(deviceType) {
		return model.Device{}, ErrInvalidDeviceType
	}

	s.mu.Lock()

	pc, ok := s.pairingCodes[code]
	if !ok {
		s.mu.Unlock()
		return model.Device{}, ErrPairingCodeNotFound
	}
	if pc.Consumed {
		s.mu.Unlock()
		return model.Device{}, ErrPairingCodeConsumed
	}
	if nowMillis >= pc.ExpiresAt {
		delete(s.pairingCodes, code)
		s.mu.Unlock()
		return model.Device{}, ErrPairingCodeExpired
	}

	dev, err := s.registerDeviceLocked(pc.UserID, deviceID, deviceType, nowMillis)
	if err != nil {
		s.mu.Unlock()
		return model.Device{}, err
	}

	pc.Consumed = true
	s.pairingCodes[code] = pc

	var snapshot []model.Device
	if s.devicesStateFile != "" {
		snapshot = s.snapshotDevicesLocked()
	}
	s.mu.Unlock()
	if snapshot != nil {
		s.persistDevicesSnapshot(snapshot)
	}
	return dev, nil
}

func (s *Store) registerDeviceLocked(userID, deviceID, deviceType string, nowMillis int64) (model.Device, error) {
	if existing, ok := s.devicesByID[deviceID]; ok {
		if existing.UserID != userID {
			return model.Device{}, ErrDeviceOwnedByOther
		}
		existing.Type = deviceType
		existing.LastSeenAt = nowMillis
		s.devicesByID[deviceID] = existing
		return existing, nil
	}

	count := 0
	for _, d := range s.devicesByID {
		if d.UserID == userID {
			count++
		}
	}
	if count >= s.maxDevices {
		return model.Device{}, ErrDeviceLimitReached
	}

	dev := model.Device{
		ID:         deviceID,
		UserID:     userID,
		Type:       deviceType,
		PairedAt:   nowMillis,
		LastSeenAt: nowMillis,
	}
	s.devicesByID[deviceID] = dev
	return dev, nil
}

// TouchDevice records a connect from deviceID. Unknown devices are
// registered on the spot, subject to the same per-user cap as pairing.
func (s *Store) TouchDevice(userID, deviceID, deviceType string, nowMillis int64) (model.Device, error) {
	if !model.ValidDeviceType(deviceType) {
		return model.Device{}, ErrInvalidDeviceType
	}

	s.mu.Lock()
	dev, err := s.registerDeviceLocked(userID, deviceID, deviceType, nowMillis)
	if err != nil {
		s.mu.Unlock()
		return model.Device{}, err
	}
	var snapshot []model.Device
	if s.devicesStateFile != "" {
		snapshot = s.snapshotDevicesLocked()
	}
	s.mu.Unlock()
	if snapshot != nil {
		s.persistDevicesSnapshot(snapshot)
	}
	return dev, nil
}

func (s *Store) ListDevices(userID string) []model.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Device, 0)
	for _, d := range s.devicesByID {
		if d.UserID == userID {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LastSeenAt > result[j].LastSeenAt })
	return result
}

// RemoveDevice unbinds a device. Sessions already open from that device are
// left alone; only future connects are affected.
func (s *Store) RemoveDevice(userID, deviceID string) bool {
	s.mu.Lock()

	d, ok := s.devicesByID[deviceID]
	if !ok || d.UserID != userID {
		s.mu.Unlock()
		return false
	}
	delete(s.devicesByID, deviceID)

	var snapshot []model.Device
	if s.devicesStateFile != "" {
		snapshot = s.snapshotDevicesLocked()
	}
	s.mu.Unlock()
	if snapshot != nil {
		s.persistDevicesSnapshot(snapshot)
	}
	return true
}

func (s *Store) AppendChatMessage(userID, role, content string, nowMillis int64) model.ChatMessage {
	return s.chat.append(userID, role, content, nowMillis)
}

func (s *Store) ListChatMessages(userID string, after int64, limit int) []model.ChatMessage {
	if limit <= 0 {
		limit = 100
	}
	return s.chat.getAfter(userID, after, limit)
}
