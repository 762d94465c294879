package supervisor

import (
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/shakenfist/kerbside-proxy/internal/corelog"
)

// HostCert serves the proxy's secure-port TLS certificate, reloading it
// from disk whenever certPath or keyPath changes so operators can rotate
// the host certificate without restarting the proxy. Grounded on the
// teacher's AuthFile, which fsnotify-watches a JSON file and reloads it in
// place (share/server.go, share/users.go); applied here to a certificate
// pair instead of a user list.
type HostCert struct {
	certPath, keyPath string
	log               corelog.Logger

	cert atomic.Pointer[tls.Certificate]

	watcher *fsnotify.Watcher
	once    sync.Once
}

// NewHostCert loads certPath/keyPath once and starts watching both paths
// for changes.
func NewHostCert(log corelog.Logger, certPath, keyPath string) (*HostCert, error) {
	hc := &HostCert{certPath: certPath, keyPath: keyPath, log: log}
	if err := hc.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("supervisor: creating cert watcher: %w", err)
	}
	if err := w.Add(certPath); err != nil {
		w.Close()
		return nil, fmt.Errorf("supervisor: watching %s: %w", certPath, err)
	}
	if err := w.Add(keyPath); err != nil {
		w.Close()
		return nil, fmt.Errorf("supervisor: watching %s: %w", keyPath, err)
	}
	hc.watcher = w

	go hc.watchLoop()
	return hc, nil
}

func (hc *HostCert) reload() error {
	cert, err := tls.LoadX509KeyPair(hc.certPath, hc.keyPath)
	if err != nil {
		return fmt.Errorf("supervisor: loading host certificate: %w", err)
	}
	hc.cert.Store(&cert)
	return nil
}

func (hc *HostCert) watchLoop() {
	for {
		select {
		case event, ok := <-hc.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := hc.reload(); err != nil {
				hc.log.WLogf("host certificate reload failed, keeping previous cert: %s", err)
				continue
			}
			hc.log.ILogf("host certificate reloaded from %s", hc.certPath)
		case err, ok := <-hc.watcher.Errors:
			if !ok {
				return
			}
			hc.log.WLogf("certificate watcher error: %s", err)
		}
	}
}

// GetCertificate satisfies tls.Config.GetCertificate.
func (hc *HostCert) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return hc.cert.Load(), nil
}

// Close stops the underlying filesystem watcher.
func (hc *HostCert) Close() error {
	var err error
	hc.once.Do(func() {
		if hc.watcher != nil {
			err = hc.watcher.Close()
		}
	})
	return err
}
