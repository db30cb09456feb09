package tunnel

import (
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/postalsys/tunnelbana/internal/channel"
	"github.com/postalsys/tunnelbana/internal/logging"
)

// Proxy bridges a channel's application endpoint with a real network
// connection, copying in both directions until either side ends. The channel
// is then closed with remote notification and the connection is closed.
//
// Blocks until both copy directions have finished.
func Proxy(t *Tunnel, ch *channel.Channel, conn net.Conn, logger *slog.Logger) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	app := ch.Application()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, err := io.Copy(app, conn)
		if err != nil && err != io.ErrClosedPipe {
			logger.Debug("proxy inbound copy ended",
				logging.KeyChannelID, ch.ID(), logging.KeyError, err)
		}
		// Socket EOF: flush is implicit, tell the peer we are done.
		_ = t.CloseChannel(ch.ID(), true, false)
	}()

	go func() {
		defer wg.Done()
		_, err := io.Copy(conn, app)
		if err != nil {
			logger.Debug("proxy outbound copy ended",
				logging.KeyChannelID, ch.ID(), logging.KeyError, err)
		}
		// Channel EOF: unblock the inbound copy.
		conn.Close()
	}()

	wg.Wait()

	logger.Debug("proxy session finished",
		logging.KeyChannelID, ch.ID(),
		logging.KeyRemoteAddr, conn.RemoteAddr().String(),
		"tx", ch.TxBytes(),
		"rx", ch.RxBytes())
}
