package matrix

import (
	"context"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/crypto/verificationhelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// sasHelper is the part of the mautrix verification helper the engine
// drives.
type sasHelper interface {
	StartVerification(ctx context.Context, to id.UserID) (id.VerificationTransactionID, error)
	AcceptVerification(ctx context.Context, txnID id.VerificationTransactionID) error
	StartSAS(ctx context.Context, txnID id.VerificationTransactionID) error
	ConfirmSAS(ctx context.Context, txnID id.VerificationTransactionID) error
	CancelVerification(ctx context.Context, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string) error
}

var _ sasHelper = (*verificationhelper.VerificationHelper)(nil)

type cryptoCloser interface {
	Close() error
}

// startCrypto opens the Olm store, uploads device keys when needed and
// starts the verification helper. Only SAS is offered.
func (c *Client) startCrypto(ctx context.Context) error {
	db, err := dbutil.NewWithDialect(c.cfg.CryptoDB, "sqlite3")
	if err != nil {
		return fmt.Errorf("open crypto database: %w", err)
	}

	pickleKey := c.cfg.PickleKey
	if pickleKey == "" {
		pickleKey = "mtx:" + c.OwnUserID() + ":" + c.OwnDeviceID()
	}
	helper, err := cryptohelper.NewCryptoHelper(c.cli, []byte(pickleKey), db)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("create crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		_ = helper.Close()
		return fmt.Errorf("init crypto: %w", err)
	}
	c.cli.Crypto = helper

	vh := verificationhelper.NewVerificationHelper(c.cli, helper.Machine(),
		verificationhelper.NewInMemoryVerificationStore(), c.flows, false, false, true)
	if err := vh.Init(ctx); err != nil {
		c.cli.Crypto = nil
		_ = helper.Close()
		return fmt.Errorf("init verification: %w", err)
	}

	c.setHelper(vh, helper)
	c.logger.Info("end-to-end encryption ready",
		zap.String("device_id", c.OwnDeviceID()),
		zap.String("crypto_db", c.cfg.CryptoDB))
	return nil
}

func (c *Client) setHelper(h sasHelper, closer cryptoCloser) {
	c.mu.Lock()
	c.crypto = closer
	c.mu.Unlock()
	c.flows.setHelper(h)
}
