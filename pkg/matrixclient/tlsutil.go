package matrixclient

import (
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// KeypairReloader holds the client certificate presented to homeservers
// that require one. The pair is read again from disk on SIGHUP.
type KeypairReloader struct {
	certMu   sync.RWMutex
	cert     *tls.Certificate
	certPath string
	keyPath  string
	logger   *logrus.Entry
}

func NewKeypairReloader(certPath, keyPath string, logger *logrus.Entry) (*KeypairReloader, error) {
	result := &KeypairReloader{
		certPath: certPath,
		keyPath:  keyPath,
		logger:   logger,
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	result.cert = &cert

	return result, nil
}

// WatchSIGHUP reloads the pair on every SIGHUP until stop is closed.
func (kpr *KeypairReloader) WatchSIGHUP(stop <-chan struct{}) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)

	go func() {
		defer signal.Stop(c)

		for {
			select {
			case <-c:
				kpr.logger.Infof("Received SIGHUP, reloading TLS client certificate and key from %q and %q", kpr.certPath, kpr.keyPath)
				if err := kpr.Reload(); err != nil {
					kpr.logger.Errorf("Keeping old TLS client certificate because the new one could not be loaded: %v", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

func (kpr *KeypairReloader) Reload() error {
	newCert, err := tls.LoadX509KeyPair(kpr.certPath, kpr.keyPath)
	if err != nil {
		return err
	}

	kpr.certMu.Lock()
	defer kpr.certMu.Unlock()
	kpr.cert = &newCert

	return nil
}

func (kpr *KeypairReloader) GetClientCertificateFunc() func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	return func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		kpr.certMu.RLock()
		defer kpr.certMu.RUnlock()
		return kpr.cert, nil
	}
}

// HTTPClient returns a client presenting kpr's certificate.
func (kpr *KeypairReloader) HTTPClient(insecureSkipVerify bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		GetClientCertificate: kpr.GetClientCertificateFunc(),
		InsecureSkipVerify:   insecureSkipVerify, //nolint:gosec
		MinVersion:           tls.VersionTLS12,
	}

	return &http.Client{Transport: transport}
}
