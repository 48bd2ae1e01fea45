package forwarder

import (
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/alptrack/alptrack/internal/runlog"
	"github.com/fatih/structs"
)

type KafkaOutput struct {
	producer sarama.SyncProducer
	settings KafkaOutputSetting
}

type KafkaOutputSetting struct {
	Brokers []string
	Topics  []string
}

func NewKafkaOutput(setting KafkaOutputSetting) (*KafkaOutput, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll // Wait for all in-sync replicas to ack the message
	config.Producer.Retry.Max = 10                   // Retry up to 10 times to produce the message
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(setting.Brokers, config)
	if err != nil {
		return nil, err
	}

	return &KafkaOutput{
		producer: producer,
		settings: setting,
	}, nil
}

func (k KafkaOutput) SendEvents(forwardArgs ...runlog.Entry) (func() error, error) {
	// Convert entries to sarama.ProducerMessage format
	var kafkaMessages []*sarama.ProducerMessage
	for _, topic := range k.settings.Topics {
		for _, entry := range forwardArgs {
			marshalledEntry, err := json.Marshal(entry)
			if err != nil {
				return nil, err
			}
			kafkaMessages = append(kafkaMessages, &sarama.ProducerMessage{
				Topic: topic,
				Value: sarama.ByteEncoder(marshalledEntry),
			})
		}
	}

	innerForwarderFunc := func() error {
		if err := k.producer.SendMessages(kafkaMessages); err != nil {
			return err
		}
		return nil
	}
	return innerForwarderFunc, nil
}

func (k KafkaOutput) GetSettings() map[string]interface{} {
	return structs.Map(k.settings)
}
