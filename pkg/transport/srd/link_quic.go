// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package srd

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
)

const (
	quicALPN        = "rxr-srd"
	quicDialTimeout = 5 * time.Second

	// quicShutdown is the application error code sent on Close.
	quicShutdown quic.ApplicationErrorCode = 5
)

// generateListenerTLSConfig creates a bare-bones TLS config with a
// self-signed certificate. Dialers skip the verification.
func generateListenerTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{quicALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func generateDialerTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
	}
}

func generateQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 1 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
		EnableDatagrams: true,
	}
}

type quicFrame struct {
	data []byte
	from string
}

// QUICLink is a Link on QUIC datagrams. Listening and dialing share one UDP
// socket, so a peer's connection address equals its listening address.
// Connections are established lazily by the first WriteTo.
type QUICLink struct {
	udpConn  *net.UDPConn
	tr       *quic.Transport
	listener *quic.Listener
	dialTLS  *tls.Config
	conf     *quic.Config
	maxFrame int

	mutex   sync.Mutex
	conns   map[string]quic.Connection
	dialing map[string]bool

	frames chan quicFrame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ListenQUIC binds a QUICLink to addr.
func ListenQUIC(addr string, maxFrame int) (*QUICLink, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	listenTLS, err := generateListenerTLSConfig()
	if err != nil {
		_ = udpConn.Close()
		return nil, err
	}

	tr := &quic.Transport{Conn: udpConn}
	listener, err := tr.Listen(listenTLS, generateQUICConfig())
	if err != nil {
		_ = udpConn.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &QUICLink{
		udpConn:  udpConn,
		tr:       tr,
		listener: listener,
		dialTLS:  generateDialerTLSConfig(),
		conf:     generateQUICConfig(),
		maxFrame: maxFrame,
		conns:    make(map[string]quic.Connection),
		dialing:  make(map[string]bool),
		frames:   make(chan quicFrame, 256),
		ctx:      ctx,
		cancel:   cancel,
	}

	l.wg.Add(1)
	go l.acceptLoop()

	return l, nil
}

func (l *QUICLink) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				log.WithError(err).Warn("QUIC link stopped accepting connections")
			}
			return
		}

		l.addConn(conn)
	}
}

func (l *QUICLink) addConn(conn quic.Connection) {
	peer := conn.RemoteAddr().String()

	l.mutex.Lock()
	if _, exists := l.conns[peer]; !exists {
		l.conns[peer] = conn
	}
	l.mutex.Unlock()

	log.WithField("peer", peer).Debug("QUIC link established connection")

	l.wg.Add(1)
	go l.receiveLoop(conn, peer)
}

func (l *QUICLink) receiveLoop(conn quic.Connection, peer string) {
	defer l.wg.Done()

	for {
		data, err := conn.ReceiveDatagram(l.ctx)
		if err != nil {
			l.mutex.Lock()
			if l.conns[peer] == conn {
				delete(l.conns, peer)
			}
			l.mutex.Unlock()

			log.WithFields(log.Fields{
				"peer":  peer,
				"error": err,
			}).Debug("QUIC link lost connection")
			return
		}

		select {
		case l.frames <- quicFrame{data: data, from: peer}:
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *QUICLink) dial(to string) {
	defer l.wg.Done()

	defer func() {
		l.mutex.Lock()
		delete(l.dialing, to)
		l.mutex.Unlock()
	}()

	addr, err := net.ResolveUDPAddr("udp", to)
	if err != nil {
		log.WithFields(log.Fields{"peer": to, "error": err}).Warn("QUIC link cannot resolve peer")
		return
	}

	ctx, cancel := context.WithTimeout(l.ctx, quicDialTimeout)
	defer cancel()

	conn, err := l.tr.Dial(ctx, addr, l.dialTLS, l.conf)
	if err != nil {
		log.WithFields(log.Fields{"peer": to, "error": err}).Debug("QUIC link dial failed")
		return
	}
	l.addConn(conn)
}

func (l *QUICLink) WriteTo(frame []byte, to string) error {
	l.mutex.Lock()
	conn, ok := l.conns[to]
	if !ok {
		if !l.dialing[to] && l.ctx.Err() == nil {
			l.dialing[to] = true
			l.wg.Add(1)
			go l.dial(to)
		}
		l.mutex.Unlock()
		return ErrNotConnected
	}
	l.mutex.Unlock()

	return conn.SendDatagram(frame)
}

func (l *QUICLink) ReadFrom(ctx context.Context) (frame []byte, from string, err error) {
	select {
	case f := <-l.frames:
		return f.data, f.from, nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-l.ctx.Done():
		return nil, "", l.ctx.Err()
	}
}

func (l *QUICLink) LocalAddr() string {
	return l.udpConn.LocalAddr().String()
}

func (l *QUICLink) MaxFrameSize() int {
	return l.maxFrame
}

func (l *QUICLink) Close() error {
	l.cancel()

	var errs error

	l.mutex.Lock()
	for peer, conn := range l.conns {
		if err := conn.CloseWithError(quicShutdown, "link closing"); err != nil {
			errs = multierror.Append(errs, err)
		}
		delete(l.conns, peer)
	}
	l.mutex.Unlock()

	if err := l.listener.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := l.tr.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := l.udpConn.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	l.wg.Wait()
	return errs
}
