package notifier

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/amirphl/loop-trader/internal/utils"
)

type TelegramNotifier struct {
	Token  string
	ChatID string
}

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{Token: token, ChatID: chatID}
}

func (t *TelegramNotifier) Send(message string) error {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.Token)
	resp, err := http.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

// SendWithRetry resends with exponential backoff. Alerts matter more
// than promptness here.
func (t *TelegramNotifier) SendWithRetry(message string) error {
	var err error
	backoff := 2 * time.Second
	for attempt := 1; attempt <= 3; attempt++ {
		err = t.Send(message)
		if err == nil {
			return nil
		}
		utils.GetLogger().Printf("Notifier | Telegram send failed (attempt %d/3): %v", attempt, err)
		if attempt < 3 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return err
}

// RetryWithNotification retries action and escalates a persistent
// failure to the operator.
func (t *TelegramNotifier) RetryWithNotification(action func() error, description string) error {
	var err error
	backoff := 2 * time.Second
	for attempt := 1; attempt <= 3; attempt++ {
		err = action()
		if err == nil {
			return nil
		}
		utils.GetLogger().Printf("Notifier | %s failed (attempt %d/3): %v", description, attempt, err)
		if attempt < 3 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	_ = t.SendWithRetry(fmt.Sprintf("%s failed after retries: %v", description, err))
	return err
}
