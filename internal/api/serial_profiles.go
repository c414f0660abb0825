package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/banshee-data/ispflash/internal/db"
	"github.com/banshee-data/ispflash/internal/httputil"
	"github.com/banshee-data/ispflash/internal/monitoring"
)

// SerialProfileRequest is the body for creating or updating a profile.
type SerialProfileRequest struct {
	Name        string `json:"name"`
	PortPath    string `json:"port_path"`
	BaudRate    int    `json:"baud_rate"`
	DataBits    int    `json:"data_bits"`
	StopBits    int    `json:"stop_bits"`
	Parity      string `json:"parity"`
	Description string `json:"description"`
}

func (req SerialProfileRequest) profile(id int) *db.SerialProfile {
	return &db.SerialProfile{
		ID:          id,
		Name:        strings.TrimSpace(req.Name),
		PortPath:    req.PortPath,
		BaudRate:    req.BaudRate,
		DataBits:    req.DataBits,
		StopBits:    req.StopBits,
		Parity:      req.Parity,
		Description: req.Description,
	}
}

// isValidPortPath validates that a port path is in an allowed format
func isValidPortPath(path string) bool {
	return strings.HasPrefix(path, "/dev/tty") || strings.HasPrefix(path, "/dev/serial") ||
		strings.HasPrefix(path, "/dev/cu.") || strings.HasPrefix(strings.ToUpper(path), "COM")
}

// handleSerialProfilesOrCreate handles GET and POST to /api/serial_profiles
func (s *Server) handleSerialProfilesOrCreate(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		profiles, err := s.db.GetSerialProfiles()
		if err != nil {
			monitoring.Logf("api: list serial profiles: %v", err)
			httputil.InternalServerError(w, "failed to fetch serial profiles")
			return
		}
		if profiles == nil {
			profiles = []db.SerialProfile{}
		}
		httputil.WriteJSONOK(w, profiles)
	case http.MethodPost:
		s.handleCreateSerialProfile(w, r)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// handleSerialProfileByID handles GET/PUT/DELETE /api/serial_profiles/:id
func (s *Server) handleSerialProfileByID(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	idStr := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/serial_profiles/"), "/")
	if idStr == "" {
		httputil.BadRequest(w, "missing profile id")
		return
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		httputil.BadRequest(w, "invalid profile id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := s.db.GetSerialProfile(id)
		if err != nil {
			monitoring.Logf("api: get serial profile %d: %v", id, err)
			httputil.InternalServerError(w, "failed to fetch serial profile")
			return
		}
		if p == nil {
			httputil.NotFound(w, "profile not found")
			return
		}
		httputil.WriteJSONOK(w, p)
	case http.MethodPut:
		s.handleUpdateSerialProfile(w, r, id)
	case http.MethodDelete:
		existing, err := s.db.GetSerialProfile(id)
		if err != nil {
			httputil.InternalServerError(w, "failed to fetch serial profile")
			return
		}
		if existing == nil {
			httputil.NotFound(w, "profile not found")
			return
		}
		if err := s.db.DeleteSerialProfile(id); err != nil {
			monitoring.Logf("api: delete serial profile %d: %v", id, err)
			httputil.InternalServerError(w, "failed to delete serial profile")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (s *Server) decodeProfile(w http.ResponseWriter, r *http.Request, id int) *db.SerialProfile {
	var req SerialProfileRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return nil
	}
	if strings.TrimSpace(req.Name) == "" {
		httputil.BadRequest(w, "name is required")
		return nil
	}
	if !isValidPortPath(req.PortPath) {
		httputil.BadRequest(w, "port_path must be a serial device such as /dev/ttyUSB0")
		return nil
	}
	p := req.profile(id)
	if _, err := p.Options().Normalise(); err != nil {
		httputil.BadRequest(w, err.Error())
		return nil
	}
	return p
}

// handleCreateSerialProfile handles POST /api/serial_profiles
func (s *Server) handleCreateSerialProfile(w http.ResponseWriter, r *http.Request) {
	p := s.decodeProfile(w, r, 0)
	if p == nil {
		return
	}
	if existing, err := s.db.GetSerialProfileByName(p.Name); err == nil && existing != nil {
		httputil.WriteJSONError(w, http.StatusConflict, "a profile with that name already exists")
		return
	}
	if err := s.db.CreateSerialProfile(p); err != nil {
		monitoring.Logf("api: create serial profile: %v", err)
		httputil.InternalServerError(w, "failed to create serial profile")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, p)
}

// handleUpdateSerialProfile handles PUT /api/serial_profiles/:id
func (s *Server) handleUpdateSerialProfile(w http.ResponseWriter, r *http.Request, id int) {
	existing, err := s.db.GetSerialProfile(id)
	if err != nil {
		httputil.InternalServerError(w, "failed to fetch serial profile")
		return
	}
	if existing == nil {
		httputil.NotFound(w, "profile not found")
		return
	}
	p := s.decodeProfile(w, r, id)
	if p == nil {
		return
	}
	if err := s.db.UpdateSerialProfile(p); err != nil {
		monitoring.Logf("api: update serial profile %d: %v", id, err)
		httputil.InternalServerError(w, "failed to update serial profile")
		return
	}
	updated, err := s.db.GetSerialProfile(id)
	if err != nil || updated == nil {
		httputil.InternalServerError(w, "failed to fetch serial profile")
		return
	}
	httputil.WriteJSONOK(w, updated)
}

// SerialDeviceInfo describes a port found on the host that no profile uses.
type SerialDeviceInfo struct {
	PortPath     string `json:"port_path"`
	FriendlyName string `json:"friendly_name"`
}

// handleSerialDevices handles GET /api/serial/devices
func (s *Server) handleSerialDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	configured := make(map[string]bool)
	if s.db != nil {
		profiles, err := s.db.GetSerialProfiles()
		if err != nil {
			httputil.InternalServerError(w, "failed to fetch serial profiles")
			return
		}
		for _, p := range profiles {
			configured[p.PortPath] = true
		}
	}

	ports, err := s.listPorts()
	if err != nil {
		monitoring.Logf("api: enumerate serial ports: %v", err)
		httputil.InternalServerError(w, "failed to enumerate serial ports")
		return
	}
	devices := []SerialDeviceInfo{}
	for _, path := range ports {
		if configured[path] {
			continue
		}
		devices = append(devices, SerialDeviceInfo{PortPath: path, FriendlyName: getFriendlyName(path)})
	}
	httputil.WriteJSONOK(w, devices)
}

// getFriendlyName generates a user-friendly name for a serial port
func getFriendlyName(portPath string) string {
	parts := strings.Split(portPath, "/")
	name := parts[len(parts)-1]
	switch {
	case strings.HasPrefix(name, "ttyUSB"):
		return "USB Serial (" + name + ")"
	case strings.HasPrefix(name, "ttyACM"):
		return "USB CDC (" + name + ")"
	case strings.HasPrefix(name, "ttyAMA"), strings.HasPrefix(name, "ttyS"):
		return "Onboard UART (" + name + ")"
	default:
		return name
	}
}
