package transformer

import (
	"fmt"

	"github.com/hitoshi/newsrelay/internal/model"
)

const systemPrompt = `Ты — главный редактор Telegram-канала с местными новостями. Пиши короткие, живые и полезные новости для жителей.

Пересказ:
- Перескажи новость своими словами в 2–4 предложениях.
- Пиши грамотно и понятно, без канцелярита, жаргона и мемов.
- Начни пост с одного подходящего эмодзи; в тревожных новостях эмодзи должен быть сдержанным.
- Если у новости есть практическая польза, добавь в конце короткую рекомендацию.

Запрещено:
- Придумывать факты и публиковать непроверенные данные.
- Если достоверность вызывает сомнения, укажи: "Информация уточняется".`

// userPrompt はニュース1件分の指示文を組み立てる。
func userPrompt(item *model.NewsItem) string {
	region := ""
	if item.Region != "" {
		region = " из города " + item.Region
	}
	return fmt.Sprintf(`Перефразируй следующую новость%s:

Заголовок: %s

Текст: %s

Верни результат в формате:
Заголовок: [перефразированный заголовок]
Текст: [перефразированный текст]`, region, item.Title, item.Body)
}
