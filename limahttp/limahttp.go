// Package limahttp exposes a Lima detector over HTTP.  It wraps the
// device and the current acquisition session in a route table so scan
// tooling and humans can drive an acquisition with curl.
package limahttp

import (
	"encoding/json"
	"fmt"
	"go/types"
	"image/jpeg"
	"image/png"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"goji.io"
	"goji.io/pat"

	"github.com/ALBA-Synchrotron/sardana-limaccd/dataarray"
	"github.com/ALBA-Synchrotron/sardana-limaccd/lima"
	"github.com/ALBA-Synchrotron/sardana-limaccd/saving"
	"github.com/ALBA-Synchrotron/sardana-limaccd/server"
	"github.com/ALBA-Synchrotron/sardana-limaccd/trigger"
)

// HTTPWrapper provides an HTTP interface to a detector.  Handlers
// serialize on an internal mutex; the device sees one caller.
type HTTPWrapper struct {
	dev *lima.Device
	log logrus.FieldLogger

	mu      sync.Mutex
	cfg     lima.AcquisitionConfig
	sav     saving.Saving
	session *lima.Session

	// last frame pulled over this interface, served by the export routes
	last *dataarray.Frame

	RouteTable server.RouteTable
}

// NewHTTPWrapper returns a wrapper with the route table populated.  cfg
// and sav seed the acquisition parameters mutated by the setter routes.
func NewHTTPWrapper(dev *lima.Device, cfg lima.AcquisitionConfig, sav saving.Saving,
	log logrus.FieldLogger) *HTTPWrapper {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	w := &HTTPWrapper{dev: dev, cfg: cfg, sav: sav, log: log}
	w.RouteTable = server.RouteTable{
		// acquisition lifecycle
		pat.Get("/status"):   w.GetStatus,
		pat.Post("/prepare"): w.Prepare,
		pat.Post("/start"):   w.Start,
		pat.Post("/stop"):    w.Stop,
		pat.Post("/abort"):   w.Abort,

		// acquisition parameters
		pat.Get("/exposure-time"):  w.GetExposureTime,
		pat.Post("/exposure-time"): w.SetExposureTime,
		pat.Get("/latency-time"):   w.GetLatencyTime,
		pat.Post("/latency-time"):  w.SetLatencyTime,
		pat.Get("/nb-points"):      w.GetNbPoints,
		pat.Post("/nb-points"):     w.SetNbPoints,
		pat.Get("/nb-starts"):      w.GetNbStarts,
		pat.Post("/nb-starts"):     w.SetNbStarts,
		pat.Get("/trigger-source"):  w.GetTriggerSource,
		pat.Post("/trigger-source"): w.SetTriggerSource,
		pat.Get("/trigger-mode"):    w.GetTriggerMode,

		// saving
		pat.Get("/saving/enabled"):      w.GetSavingEnabled,
		pat.Post("/saving/enabled"):     w.SetSavingEnabled,
		pat.Get("/saving/pattern"):      w.GetSavingPattern,
		pat.Post("/saving/pattern"):     w.SetSavingPattern,
		pat.Get("/saving/first-number"):  w.GetFirstNumber,
		pat.Post("/saving/first-number"): w.SetFirstNumber,
		pat.Get("/references"):           w.GetReferences,

		// data
		pat.Get("/frame"): w.GetFrame,

		// identity
		pat.Get("/camera"):          w.GetCamera,
		pat.Get("/image-size"):      w.GetImageSize,
		pat.Get("/param/:name"):     w.GetParam,
		pat.Post("/param/:name"):    w.SetParam,
	}
	return w
}

// RT satisfies server.HTTPer.
func (h *HTTPWrapper) RT() server.RouteTable { return h.RouteTable }

// Mux binds the route table on a fresh goji mux.
func (h *HTTPWrapper) Mux() *goji.Mux {
	mux := goji.NewMux()
	h.RouteTable.Bind(mux)
	return mux
}

// GetStatus returns the derived acquisition status as {"str": value}.
func (h *HTTPWrapper) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status := lima.StatusReady
	if h.session != nil {
		snap, err := h.dev.Status()
		if err != nil {
			deviceErrors.Inc()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		status = h.session.DerivedStatus(snap)
	}
	hp := server.HumanPayload{T: types.String, String: string(status)}
	hp.EncodeAndRespond(w, r)
}

// Prepare resolves the trigger mode from the current parameters, builds a
// new session and arms the device.
func (h *HTTPWrapper) Prepare(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sync := h.cfg.Sync
	if h.cfg.NbStarts > 1 {
		sync = trigger.Promote(sync, h.cfg.NbStarts, trigger.ConvertToTrigger)
	}
	mode, err := h.dev.ResolveTrigger(sync)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sav := h.sav
	h.session = h.dev.Acquisition(h.cfg, mode, &sav)
	if err := h.session.Prepare(); err != nil {
		deviceErrors.Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.last = nil
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPWrapper) withSession(w http.ResponseWriter, fcn func(*lima.Session) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		http.Error(w, "no acquisition prepared", http.StatusConflict)
		return
	}
	if err := fcn(h.session); err != nil {
		deviceErrors.Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Start launches the prepared acquisition.
func (h *HTTPWrapper) Start(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, func(s *lima.Session) error {
		if err := s.Start(); err != nil {
			return err
		}
		acquisitionsStarted.Inc()
		return nil
	})
}

// Stop ends the acquisition gracefully.
func (h *HTTPWrapper) Stop(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, (*lima.Session).Stop)
}

// Abort kills the acquisition.  With no session prepared it still returns
// 200, aborting nothing is not an error.
func (h *HTTPWrapper) Abort(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := h.session.Abort(); err != nil {
		deviceErrors.Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetExposureTime returns the exposure time in seconds as {"f64": value}.
func (h *HTTPWrapper) GetExposureTime(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	f := h.cfg.Exposure.Seconds()
	h.mu.Unlock()
	hp := server.HumanPayload{T: types.Float64, Float: f}
	hp.EncodeAndRespond(w, r)
}

// SetExposureTime sets the exposure time from {"f64": seconds}.
func (h *HTTPWrapper) SetExposureTime(w http.ResponseWriter, r *http.Request) {
	f := server.FloatT{}
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.cfg.Exposure = time.Duration(f.F64 * float64(time.Second))
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetLatencyTime returns the inter-frame latency in seconds.
func (h *HTTPWrapper) GetLatencyTime(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	f := h.cfg.Latency.Seconds()
	h.mu.Unlock()
	hp := server.HumanPayload{T: types.Float64, Float: f}
	hp.EncodeAndRespond(w, r)
}

// SetLatencyTime sets the inter-frame latency from {"f64": seconds}.
func (h *HTTPWrapper) SetLatencyTime(w http.ResponseWriter, r *http.Request) {
	f := server.FloatT{}
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.cfg.Latency = time.Duration(f.F64 * float64(time.Second))
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPWrapper) getInt(w http.ResponseWriter, r *http.Request, fcn func() int) {
	h.mu.Lock()
	i := fcn()
	h.mu.Unlock()
	hp := server.HumanPayload{T: types.Int, Int: i}
	hp.EncodeAndRespond(w, r)
}

func (h *HTTPWrapper) setInt(w http.ResponseWriter, r *http.Request, fcn func(int)) {
	i := server.IntT{}
	if err := json.NewDecoder(r.Body).Decode(&i); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	fcn(i.Int)
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetNbPoints returns the points per start as {"int": value}.
func (h *HTTPWrapper) GetNbPoints(w http.ResponseWriter, r *http.Request) {
	h.getInt(w, r, func() int { return h.cfg.NbPoints })
}

// SetNbPoints sets the points per start from {"int": value}.
func (h *HTTPWrapper) SetNbPoints(w http.ResponseWriter, r *http.Request) {
	h.setInt(w, r, func(i int) { h.cfg.NbPoints = i })
}

// GetNbStarts returns the start count as {"int": value}.
func (h *HTTPWrapper) GetNbStarts(w http.ResponseWriter, r *http.Request) {
	h.getInt(w, r, func() int { return h.cfg.NbStarts })
}

// SetNbStarts sets the start count from {"int": value}.
func (h *HTTPWrapper) SetNbStarts(w http.ResponseWriter, r *http.Request) {
	h.setInt(w, r, func(i int) { h.cfg.NbStarts = i })
}

// GetTriggerSource returns the synchronization mode name.
func (h *HTTPWrapper) GetTriggerSource(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	s := h.cfg.Sync.String()
	h.mu.Unlock()
	hp := server.HumanPayload{T: types.String, String: s}
	hp.EncodeAndRespond(w, r)
}

// SetTriggerSource sets the synchronization mode from {"str": name}.
func (h *HTTPWrapper) SetTriggerSource(w http.ResponseWriter, r *http.Request) {
	s := server.StrT{}
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sync, ok := trigger.ParseSync(s.Str)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown synchronization mode %q", s.Str), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.cfg.Sync = sync
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetTriggerMode returns the device trigger mode the current source
// resolves to.
func (h *HTTPWrapper) GetTriggerMode(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	mode, err := h.dev.ResolveTrigger(h.cfg.Sync)
	h.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hp := server.HumanPayload{T: types.String, String: string(mode)}
	hp.EncodeAndRespond(w, r)
}

// GetSavingEnabled returns whether saving is on as {"bool": value}.
func (h *HTTPWrapper) GetSavingEnabled(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	b := h.sav.Enabled
	h.mu.Unlock()
	hp := server.HumanPayload{T: types.Bool, Bool: b}
	hp.EncodeAndRespond(w, r)
}

// SetSavingEnabled turns saving on or off from {"bool": value}.
func (h *HTTPWrapper) SetSavingEnabled(w http.ResponseWriter, r *http.Request) {
	b := server.BoolT{}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.sav.Enabled = b.Bool
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetSavingPattern returns the reference pattern as {"str": value}.
func (h *HTTPWrapper) GetSavingPattern(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	s := h.sav.Pattern
	h.mu.Unlock()
	hp := server.HumanPayload{T: types.String, String: s}
	hp.EncodeAndRespond(w, r)
}

// SetSavingPattern sets the reference pattern from {"str": value}.  The
// pattern is validated immediately so a bad one fails here, not at
// prepare.
func (h *HTTPWrapper) SetSavingPattern(w http.ResponseWriter, r *http.Request) {
	s := server.StrT{}
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := saving.ParsePattern(s.Str); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.sav.Pattern = s.Str
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetFirstNumber returns the first save index as {"int": value}.
func (h *HTTPWrapper) GetFirstNumber(w http.ResponseWriter, r *http.Request) {
	h.getInt(w, r, func() int { return h.sav.FirstImageNumber })
}

// SetFirstNumber sets the first save index from {"int": value}.
func (h *HTTPWrapper) SetFirstNumber(w http.ResponseWriter, r *http.Request) {
	h.setInt(w, r, func(i int) { h.sav.FirstImageNumber = i })
}

// GetReferences drains the references of the frames saved since the last
// call and returns them as a JSON list.
func (h *HTTPWrapper) GetReferences(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		http.Error(w, "no acquisition prepared", http.StatusConflict)
		return
	}
	refs, err := h.session.PollReferences()
	if err != nil {
		deviceErrors.Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	referencesEmitted.Add(float64(len(refs)))
	if refs == nil {
		refs = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(refs); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetFrame drains new frames from the session and serves the newest one.
// The format query parameter picks fits, png or jpg; fits is the default.
func (h *HTTPWrapper) GetFrame(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		http.Error(w, "no acquisition prepared", http.StatusConflict)
		return
	}
	frames, err := h.session.PollFrames()
	if err != nil {
		deviceErrors.Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	framesDelivered.Add(float64(len(frames)))
	if len(frames) > 0 {
		f := frames[len(frames)-1]
		h.last = &f
	}
	if h.last == nil {
		http.Error(w, "no frame acquired yet", http.StatusNotFound)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "fits"
	}
	switch format {
	case "fits":
		w.Header().Set("Content-Type", "image/fits")
		w.Header().Set("Content-Disposition", `attachment; filename="frame.fits"`)
		err = WriteFITS(w, nil, []dataarray.Frame{*h.last})
	case "png":
		im, cerr := ToImage(*h.last)
		if cerr != nil {
			http.Error(w, cerr.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		err = png.Encode(w, im)
	case "jpg", "jpeg":
		im, cerr := ToImage(*h.last)
		if cerr != nil {
			http.Error(w, cerr.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		err = jpeg.Encode(w, im, nil)
	default:
		http.Error(w, fmt.Sprintf("unknown format %q", format), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.log.WithError(err).Error("frame export failed")
	}
}

// GetCamera returns the camera identity as JSON.
func (h *HTTPWrapper) GetCamera(w http.ResponseWriter, r *http.Request) {
	camType, err := h.dev.CameraType()
	if err != nil {
		deviceErrors.Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	model, err := h.dev.CameraModel()
	if err != nil {
		deviceErrors.Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"type": camType, "model": model})
}

// GetImageSize returns the detector dimensions as JSON.
func (h *HTTPWrapper) GetImageSize(w http.ResponseWriter, r *http.Request) {
	width, height, err := h.dev.ImageSize()
	if err != nil {
		deviceErrors.Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"width": width, "height": height})
}

// GetParam reads a named controller parameter.
func (h *HTTPWrapper) GetParam(w http.ResponseWriter, r *http.Request) {
	name := pat.Param(r, "name")
	p, ok := lima.ParseParam(name)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown parameter %q", name), http.StatusNotFound)
		return
	}
	v, err := h.dev.Param(p)
	if err != nil {
		deviceErrors.Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"value": v})
}

// SetParam writes a named controller parameter from {"value": x}.
func (h *HTTPWrapper) SetParam(w http.ResponseWriter, r *http.Request) {
	name := pat.Param(r, "name")
	p, ok := lima.ParseParam(name)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown parameter %q", name), http.StatusNotFound)
		return
	}
	body := struct {
		Value interface{} `json:"value"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.dev.SetParam(p, body.Value); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}
