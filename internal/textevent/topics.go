package textevent

// Well-known producer topics. The bus routes any topic string; these only name
// the sources the application ships with.
const (
	TopicAny         = "text"
	TopicTextField   = "text.textfield"
	TopicSTT         = "text.stt"
	TopicTranslation = "text.translation"
)
