// Package notify delivers noise alerts to the configured notification
// channels: webhook, log file, Microsoft Graph email, Zabbix and Kafka.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
	"github.com/oszuidwest/zwfm-noisemeter/internal/metrics"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// sendTimeout bounds one channel delivery, including retries.
const sendTimeout = 2 * time.Minute

// SnapshotProvider yields the current configuration.
type SnapshotProvider interface {
	Snapshot() config.Snapshot
}

// AlertNotifier fans fired noise alerts out to every configured channel.
// Each channel is delivered on its own goroutine so a slow endpoint never
// blocks the sampling loop.
type AlertNotifier struct {
	cfg SnapshotProvider

	// mu protects the cached clients below
	mu          sync.Mutex
	graphClient *GraphClient
	graphCfg    GraphConfig // config the cached client was built from
	kafka       *kafkaLease

	newPublisher func(brokers []string, topic string) *KafkaPublisher

	wg sync.WaitGroup
}

// kafkaLease is the cached publisher and the deliveries currently using it.
// A retired lease closes its publisher once the last holder releases it.
type kafkaLease struct {
	pub     *KafkaPublisher
	refs    int
	retired bool
}

// NewAlertNotifier returns an AlertNotifier reading channel settings from cfg.
func NewAlertNotifier(cfg SnapshotProvider) *AlertNotifier {
	return &AlertNotifier{cfg: cfg, newPublisher: NewKafkaPublisher}
}

// AlertFired delivers a fired alert to every configured channel.
func (n *AlertNotifier) AlertFired(event audio.AlertEvent) {
	cfg := n.cfg.Snapshot()
	alert := NewAlert(cfg, event)

	n.dispatch(ChannelWebhook, cfg.HasWebhook(), func(context.Context) error {
		return SendAlertWebhook(cfg.WebhookURL, &alert)
	})
	n.dispatch(ChannelLog, cfg.HasLogPath(), func(context.Context) error {
		return LogAlert(cfg.LogPath, &alert)
	})
	n.dispatch(ChannelEmail, cfg.HasGraph(), func(ctx context.Context) error {
		graphCfg := BuildGraphConfig(cfg)
		client, err := n.graph(&graphCfg)
		if err != nil {
			return err
		}
		return sendAlertEmail(ctx, client, &graphCfg, &alert)
	})
	n.dispatch(ChannelZabbix, cfg.HasZabbix(), func(context.Context) error {
		return SendAlertZabbix(cfg.ZabbixServer, cfg.ZabbixPort, cfg.ZabbixHost, cfg.ZabbixKey, &alert)
	})
	n.dispatch(ChannelKafka, cfg.HasKafka(), func(ctx context.Context) error {
		pub, release := n.publisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer release()
		return pub.PublishAlert(ctx, &alert)
	})
}

// dispatch sends on a new goroutine when the channel is configured.
func (n *AlertNotifier) dispatch(channel string, configured bool, send func(ctx context.Context) error) {
	if !configured {
		return
	}
	n.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		util.LogNotifyResult(func() error {
			err := send(ctx)
			metrics.IncNotification(channel, err)
			return err
		}, channel)
	})
}

// graph returns the cached Graph client, rebuilding it when the settings changed.
func (n *AlertNotifier) graph(cfg *GraphConfig) (*GraphClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.graphClient != nil && n.graphCfg == *cfg {
		return n.graphClient, nil
	}

	client, err := NewGraphClient(cfg)
	if err != nil {
		return nil, util.WrapError("create Graph client", err)
	}
	n.graphClient = client
	n.graphCfg = *cfg
	return client, nil
}

// publisher returns the cached Kafka publisher, replacing it when the
// brokers or topic changed. The caller must call release when done with it.
func (n *AlertNotifier) publisher(brokers []string, topic string) (pub *KafkaPublisher, release func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.kafka == nil || !n.kafka.pub.Matches(brokers, topic) {
		n.retireKafkaLocked()
		n.kafka = &kafkaLease{pub: n.newPublisher(brokers, topic)}
	}
	lease := n.kafka
	lease.refs++
	return lease.pub, func() { n.release(lease) }
}

func (n *AlertNotifier) release(lease *kafkaLease) {
	n.mu.Lock()
	defer n.mu.Unlock()
	lease.refs--
	if lease.retired && lease.refs == 0 {
		util.SafeCloseFunc(lease.pub, "kafka writer")()
	}
}

// retireKafkaLocked detaches the cached publisher. It is closed now when
// idle, otherwise by the last release. Caller must hold n.mu.
func (n *AlertNotifier) retireKafkaLocked() {
	if n.kafka == nil {
		return
	}
	n.kafka.retired = true
	if n.kafka.refs == 0 {
		util.SafeCloseFunc(n.kafka.pub, "kafka writer")()
	}
	n.kafka = nil
}

// InvalidateClients drops cached channel clients.
// Call this when notification settings change.
func (n *AlertNotifier) InvalidateClients() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.graphClient = nil
	n.retireKafkaLocked()
}

// Wait blocks until all in-flight deliveries have finished.
func (n *AlertNotifier) Wait() {
	n.wg.Wait()
}

// Close waits for in-flight deliveries and releases cached clients.
func (n *AlertNotifier) Close() error {
	n.wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []error
	if n.kafka != nil {
		errs = append(errs, n.kafka.pub.Close())
		n.kafka = nil
	}
	n.graphClient = nil
	return errors.Join(errs...)
}

// SendTestKafka publishes a test message with a short-lived publisher.
func SendTestKafka(ctx context.Context, brokers []string, topic, stationName string) error {
	if len(brokers) == 0 || topic == "" {
		return errors.New("kafka brokers and topic are required")
	}
	p := NewKafkaPublisher(brokers, topic)
	defer util.SafeCloseFunc(p, "kafka writer")()
	return p.PublishTest(ctx, stationName)
}
