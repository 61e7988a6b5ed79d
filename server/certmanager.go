package server

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
)

// CertManager serves the DoT/DoH certificate and swaps it when the files
// change on disk, so certificate rotation needs no restart.
type CertManager struct {
	certPath string
	keyPath  string

	mu          sync.RWMutex
	certificate *tls.Certificate
	lastModTime time.Time

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewCertManager loads the pair and starts watching its directories.
func NewCertManager(certPath, keyPath string) (*CertManager, error) {
	cm := &CertManager{
		certPath: certPath,
		keyPath:  keyPath,
		stopCh:   make(chan struct{}),
	}

	if err := cm.loadCertificate(); err != nil {
		return nil, fmt.Errorf("failed to load initial certificate: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	cm.watcher = watcher

	// watch the directories, not the files, certificates are often
	// symlinks that get replaced
	certDir := filepath.Dir(certPath)
	keyDir := filepath.Dir(keyPath)

	if err := watcher.Add(certDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch certificate directory: %w", err)
	}

	if certDir != keyDir {
		if err := watcher.Add(keyDir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch key directory: %w", err)
		}
	}

	go cm.watch()

	return cm, nil
}

func (cm *CertManager) loadCertificate() error {
	cert, err := tls.LoadX509KeyPair(cm.certPath, cm.keyPath)
	if err != nil {
		return err
	}

	certInfo, err := os.Stat(cm.certPath)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.certificate = &cert
	cm.lastModTime = certInfo.ModTime()
	cm.mu.Unlock()

	zlog.Info("TLS certificate loaded", "cert", cm.certPath, "modTime", certInfo.ModTime())

	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.certificate == nil {
		return nil, fmt.Errorf("no certificate available")
	}

	return cm.certificate, nil
}

// GetTLSConfig returns a fresh TLS config backed by the manager.
func (cm *CertManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: cm.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

func (cm *CertManager) watch() {
	defer cm.watcher.Close()

	// also poll in case fsnotify misses events
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cm.stopCh:
			return

		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}

			if cm.isRelevantEvent(event) {
				zlog.Debug("Certificate file event", "event", event.String())
				cm.checkAndReload()
			}

		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			zlog.Warn("Certificate watcher error", "error", err.Error())

		case <-ticker.C:
			cm.checkAndReload()
		}
	}
}

func (cm *CertManager) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}

	name := filepath.Clean(event.Name)

	return name == filepath.Clean(cm.certPath) || name == filepath.Clean(cm.keyPath)
}

func (cm *CertManager) checkAndReload() {
	certInfo, err := os.Stat(cm.certPath)
	if err != nil {
		return
	}

	cm.mu.RLock()
	unchanged := certInfo.ModTime().Equal(cm.lastModTime)
	cm.mu.RUnlock()

	if unchanged {
		return
	}

	if err := cm.loadCertificate(); err != nil {
		zlog.Warn("Certificate reload failed", "error", err.Error())
	}
}

// Stop ends the watch loop.
func (cm *CertManager) Stop() {
	close(cm.stopCh)
}
