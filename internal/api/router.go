package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("POST /api/auth/login", h.Login)

	protected := http.NewServeMux()
	protected.HandleFunc("POST /api/whatsapp/initialize", h.Initialize)
	protected.HandleFunc("GET /api/whatsapp/status", h.Status)
	protected.HandleFunc("POST /api/whatsapp/send-bulk", h.SendBulk)
	protected.HandleFunc("POST /api/whatsapp/disconnect", h.Disconnect)
	protected.HandleFunc("POST /api/whatsapp/force-new-session", h.ForceNewSession)
	protected.HandleFunc("GET /api/whatsapp/historial", h.Historial)
	protected.HandleFunc("GET /api/whatsapp/sessions", h.Sessions)
	protected.HandleFunc("GET /api/admin/verify-dni", h.VerifyDNI)
	protected.HandleFunc("GET /api/admin/reaper", h.ReaperStatus)
	protected.HandleFunc("POST /api/admin/reaper/start", h.ReaperStart)
	protected.HandleFunc("POST /api/admin/reaper/stop", h.ReaperStop)

	auth := h.auth.Middleware(protected)
	mux.Handle("/api/whatsapp/", auth)
	mux.Handle("/api/admin/", auth)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("wagateway"))
	})

	return mux
}
