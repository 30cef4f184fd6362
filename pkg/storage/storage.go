// Package storage 判定结果的旁路持久化：MySQL存明细、InfluxDB存
// 时序点、Kafka发离线重训用的事件流。三者都按配置可选，写入全部
// 尽力而为——失败只记日志，绝不影响请求处置。
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	_ "github.com/go-sql-driver/mysql"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"go-menshen/pkg/config"
	"go-menshen/pkg/logger"
	"go-menshen/pkg/models"
)

type Storage struct {
	mysqlDB *sql.DB

	influxClient influxdb2.Client
	writeAPI     api.WriteAPIBlocking

	producer sarama.AsyncProducer
	topic    string
}

// NewStorage 按配置初始化各个旁路通道，未配置的通道跳过
func NewStorage(cfg *config.Config) (*Storage, error) {
	s := &Storage{}

	if cfg.MySQL.DSN != "" {
		db, err := sql.Open("mysql", cfg.MySQL.DSN)
		if err != nil {
			return nil, err
		}
		db.SetMaxIdleConns(cfg.MySQL.MaxIdle)
		db.SetMaxOpenConns(cfg.MySQL.MaxOpen)
		s.mysqlDB = db
	}

	if cfg.InfluxDB.URL != "" {
		s.influxClient = influxdb2.NewClient(cfg.InfluxDB.URL, cfg.InfluxDB.Token)
		s.writeAPI = s.influxClient.WriteAPIBlocking(cfg.InfluxDB.Org, cfg.InfluxDB.Bucket)
	}

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		producer, err := newProducer(cfg.Kafka.Brokers)
		if err != nil {
			return nil, err
		}
		s.producer = producer
		s.topic = cfg.Kafka.Topic

		// 异步生产者的错误只记日志
		go func() {
			for err := range producer.Errors() {
				logger.Log.Errorf("Kafka事件发送失败: %v", err)
			}
		}()
	}

	return s, nil
}

func newProducer(brokers []string) (sarama.AsyncProducer, error) {
	config := sarama.NewConfig()
	version, err := sarama.ParseKafkaVersion("2.1.0")
	if err != nil {
		return nil, err
	}
	config.Version = version
	config.Producer.Return.Errors = true
	config.Net.DialTimeout = 30 * time.Second
	config.Net.ReadTimeout = 30 * time.Second
	config.Net.WriteTimeout = 30 * time.Second

	logger.Log.Infof("正在连接 Kafka brokers: %v", brokers)
	return sarama.NewAsyncProducer(brokers, config)
}

// SaveDecision 保存一次判定
func (s *Storage) SaveDecision(rec *models.RequestRecord, directive models.Directive, isSafe *bool) {
	if s.mysqlDB != nil {
		query := `
        INSERT INTO decision_results (
            request_id, connection_id, client_ip, method, url,
            directive, assumed_safe, created_at, request_time
        ) VALUES (?, ?, ?, ?, ?, ?, ?, NOW(), FROM_UNIXTIME(?))
    `
		var safe interface{}
		if isSafe != nil {
			safe = *isSafe
		}
		if _, err := s.mysqlDB.Exec(query,
			rec.ID, rec.ConnectionID, rec.RemoteIP, rec.Method, rec.URI,
			directive.String(), safe, rec.Timestamp,
		); err != nil {
			logger.Log.Errorf("保存判定结果失败: client_ip=%s, error=%v", rec.RemoteIP, err)
		}
	}

	if s.writeAPI != nil {
		p := influxdb2.NewPoint(
			"gate_decision",
			map[string]string{
				"client_ip": rec.RemoteIP,
				"method":    rec.Method,
				"directive": directive.String(),
			},
			map[string]interface{}{
				"url":           rec.URI,
				"request_id":    rec.ID,
				"connection_id": rec.ConnectionID,
			},
			time.Unix(rec.Timestamp, 0),
		)
		if err := s.writeAPI.WritePoint(context.Background(), p); err != nil {
			logger.Log.Errorf("保存时序点失败: %v", err)
		}
	}

	if s.producer != nil {
		s.publishDecisionEvent(rec, directive, isSafe)
	}
}

// publishDecisionEvent 把判定事件发进Kafka，供离线学习更好的模型
func (s *Storage) publishDecisionEvent(rec *models.RequestRecord, directive models.Directive, isSafe *bool) {
	event := struct {
		RequestID    int64             `json:"request_id"`
		ConnectionID int64             `json:"connection_id"`
		Timestamp    int64             `json:"timestamp"`
		Method       string            `json:"method"`
		URI          string            `json:"uri"`
		Protocol     string            `json:"protocol"`
		Header       map[string]string `json:"header"`
		Body         map[string]string `json:"body"`
		ClientIP     string            `json:"client_ip"`
		Directive    string            `json:"directive"`
		AssumedSafe  interface{}       `json:"assumed_safe"`
	}{
		RequestID:    rec.ID,
		ConnectionID: rec.ConnectionID,
		Timestamp:    rec.Timestamp,
		Method:       rec.Method,
		URI:          rec.URI,
		Protocol:     rec.Protocol,
		Header:       rec.Headers,
		Body:         rec.Body,
		ClientIP:     rec.RemoteIP,
		Directive:    directive.String(),
	}
	if isSafe != nil {
		event.AssumedSafe = *isSafe
	} else {
		event.AssumedSafe = "unknown"
	}

	raw, err := json.Marshal(event)
	if err != nil {
		logger.Log.Errorf("判定事件序列化失败: %v", err)
		return
	}
	s.producer.Input() <- &sarama.ProducerMessage{
		Topic: s.topic,
		Value: sarama.ByteEncoder(raw),
	}
}

// SaveAlertEvent 保存一次告警事件到MySQL
func (s *Storage) SaveAlertEvent(connectionID int64, remoteIP string, topic, structured models.Verdict) {
	if s.mysqlDB == nil {
		return
	}

	topicJSON, err := json.Marshal(topic.Predictions)
	if err != nil {
		logger.Log.Errorf("榜单序列化失败: %v", err)
		return
	}
	structJSON, err := json.Marshal(structured.Predictions)
	if err != nil {
		logger.Log.Errorf("榜单序列化失败: %v", err)
		return
	}

	query := `
        INSERT INTO alert_events (
            connection_id, client_ip, lda_is_attack, nn_is_attack,
            lda_types, nn_types, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, NOW())
    `
	if _, err := s.mysqlDB.Exec(query,
		connectionID, remoteIP, topic.IsAttack, structured.IsAttack,
		topicJSON, structJSON,
	); err != nil {
		logger.Log.Errorf("保存告警事件失败: %v", err)
	}
}

func (s *Storage) Close() {
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			logger.Log.Errorf("关闭Kafka生产者失败: %v", err)
		}
	}
	if s.influxClient != nil {
		s.influxClient.Close()
	}
	if s.mysqlDB != nil {
		s.mysqlDB.Close()
	}
}
