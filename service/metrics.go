package service

import (
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/sirupsen/logrus"
)

type metrics struct {
	sdClient statsd.ClientInterface
	logger   *logrus.Entry
}

func newMetrics(sdClient statsd.ClientInterface, logger *logrus.Entry) metrics {
	if sdClient == nil {
		sdClient = &statsd.NoOpClient{}
	}
	return metrics{sdClient: sdClient, logger: logger}
}

func (m metrics) incCounter(name string, tags []string) {
	if err := m.sdClient.Count(name, 1, tags, 1); err != nil {
		m.logger.Errorf("fail to count metric, err: %v", err)
	}
}

func (m metrics) measureTime(name string, start time.Time, tags []string) {
	if err := m.sdClient.Timing(name, time.Since(start), tags, 1); err != nil {
		m.logger.Errorf("fail to measure time metric, err: %v", err)
	}
}
