package app

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ggonzalez94/nameflow/internal/chain"
	"github.com/ggonzalez94/nameflow/internal/flow"
)

// LogSink implements Messenger and TxRequester on top of structured logging.
// It stands in where no chat transport is attached, so flows can be exercised
// end to end from the command line and every outbound prompt is observable.
type LogSink struct {
	Log *logrus.Logger
}

func NewLogSink(log *logrus.Logger) *LogSink {
	if log == nil {
		log = logrus.New()
	}
	return &LogSink{Log: log}
}

func (l *LogSink) Notify(_ context.Context, f flow.Flow, text string) error {
	l.Log.WithFields(logrus.Fields{
		"user":    f.UserID,
		"thread":  f.ThreadID,
		"channel": f.ChannelID,
	}).Info(text)
	return nil
}

func (l *LogSink) RequestTransaction(_ context.Context, f flow.Flow, req TxRequest) error {
	l.Log.WithFields(logrus.Fields{
		"user":       f.UserID,
		"thread":     f.ThreadID,
		"request_id": req.RequestID,
		"chain_id":   req.ChainID,
		"to":         req.To.Hex(),
		"value_eth":  chain.FormatEther(req.ValueWei),
		"signer":     req.Signer.Hex(),
	}).Info("transaction signature requested: " + req.Summary)
	return nil
}

func (l *LogSink) RequestChoice(_ context.Context, f flow.Flow, req ChoiceRequest) error {
	l.Log.WithFields(logrus.Fields{
		"user":       f.UserID,
		"thread":     f.ThreadID,
		"request_id": req.RequestID,
		"options":    req.Options,
	}).Info("choice requested: " + req.Prompt)
	return nil
}

var (
	_ Messenger   = (*LogSink)(nil)
	_ TxRequester = (*LogSink)(nil)
)
