package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relay-fleet/pkg/logger"
)

// fakePanel is a minimal in-process 3x-ui used by the client tests.
type fakePanel struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	inbounds map[int]*Inbound
	nextID   int

	listPath        string // only this list path answers; empty means the first variant
	emptyDeleteBody bool
	deleteNoop      bool   // report success but keep the client
	substituteID    string // store new clients under this id
	rejectLogin     bool
	noCookie        bool
	legacyLogin     bool

	logins   atomic.Int32
	expireAt atomic.Int32 // reject the Nth authenticated call with 401
	calls    atomic.Int32
}

func newFakePanel(t *testing.T) *fakePanel {
	f := &fakePanel{t: t, inbounds: map[int]*Inbound{}, nextID: 1}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakePanel) client() *Client {
	return New(Config{
		BaseURL:     f.srv.URL,
		Username:    "admin",
		Password:    "secret",
		Timeout:     5 * time.Second,
		VerifyDelay: 10 * time.Millisecond,
	}, logger.Discard())
}

func (f *fakePanel) addRealityInbound(port int, pub string, clients ...InboundClient) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	settings, _ := json.Marshal(Settings{Clients: clients, Decryption: "none"})
	stream, _ := json.Marshal(StreamSettings{
		Network:  "tcp",
		Security: "reality",
		RealitySettings: &RealitySettings{
			ServerNames: []string{"www.microsoft.com"},
			ShortIDs:    []string{"ab12cd34", ""},
			Settings:    RealityClientSettings{PublicKey: pub, Fingerprint: "chrome", SpiderX: "/"},
		},
	})
	id := f.nextID
	f.nextID++
	f.inbounds[id] = &Inbound{ID: id, Enable: true, Port: port, Protocol: "vless", Settings: string(settings), StreamSettings: string(stream)}
	return id
}

func (f *fakePanel) clients(id int) []InboundClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.inbounds[id]; ok {
		return in.Clients()
	}
	return nil
}

func (f *fakePanel) write(w http.ResponseWriter, success bool, msg string, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": success, "msg": msg, "obj": obj})
}

func (f *fakePanel) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/login" {
		f.logins.Add(1)
		if f.legacyLogin {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "legacy"})
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html>ok</html>")
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if f.rejectLogin || body["password"] != "secret" {
			f.write(w, false, "wrong username or password", nil)
			return
		}
		if !f.noCookie {
			http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "tok"})
		}
		f.write(w, true, "", nil)
		return
	}
	n := f.calls.Add(1)
	if e := f.expireAt.Load(); e > 0 && n == e {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if !f.noCookie && !f.legacyLogin {
		if ck, err := r.Cookie(sessionCookie); err != nil || ck.Value != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/inbounds/list"):
		want := f.listPath
		if want == "" {
			want = listPaths[0]
		}
		if path != want {
			http.NotFound(w, r)
			return
		}
		out := []Inbound{}
		for i := 1; i < f.nextID; i++ {
			if in, ok := f.inbounds[i]; ok {
				out = append(out, *in)
			}
		}
		f.write(w, true, "", out)
	case path == "/panel/api/inbounds/add":
		var in Inbound
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&in))
		in.ID = f.nextID
		f.nextID++
		f.inbounds[in.ID] = &in
		f.write(w, true, "Create Successfully", in)
	case path == "/panel/api/inbounds/addClient":
		var req struct {
			ID       int    `json:"id"`
			Settings string `json:"settings"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		in, ok := f.inbounds[req.ID]
		if !ok {
			f.write(w, false, "inbound not found", nil)
			return
		}
		var add Settings
		require.NoError(f.t, json.Unmarshal([]byte(req.Settings), &add))
		s, _ := in.DecodeSettings()
		for _, cl := range add.Clients {
			if f.substituteID != "" {
				cl.ID = f.substituteID
			}
			s.Clients = append(s.Clients, cl)
		}
		b, _ := json.Marshal(s)
		in.Settings = string(b)
		f.write(w, true, "Client(s) added", nil)
	case strings.Contains(path, "/delClient/"):
		parts := strings.Split(path, "/")
		id, _ := strconv.Atoi(parts[len(parts)-3])
		clientID := parts[len(parts)-1]
		in, ok := f.inbounds[id]
		if !ok {
			f.write(w, false, "inbound not found", nil)
			return
		}
		if !f.deleteNoop {
			s, _ := in.DecodeSettings()
			kept := s.Clients[:0]
			for _, cl := range s.Clients {
				if cl.ID != clientID {
					kept = append(kept, cl)
				}
			}
			s.Clients = kept
			b, _ := json.Marshal(s)
			in.Settings = string(b)
		}
		if f.emptyDeleteBody {
			w.WriteHeader(http.StatusOK)
			return
		}
		f.write(w, true, "Client deleted", nil)
	case strings.HasPrefix(path, "/panel/api/inbounds/update/"):
		id, _ := strconv.Atoi(strings.TrimPrefix(path, "/panel/api/inbounds/update/"))
		var in Inbound
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&in))
		in.ID = id
		f.inbounds[id] = &in
		f.write(w, true, "Update Successfully", in)
	case path == "/panel/api/server/status":
		f.write(w, true, "", map[string]interface{}{"cpu": 12.5, "xray": map[string]interface{}{"state": "running"}})
	default:
		http.NotFound(w, r)
	}
}
