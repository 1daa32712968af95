package conversation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/normanking/avatarchat/internal/backend"
	"github.com/normanking/avatarchat/internal/session"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Built-in messages.
const (
	PrivacyNotice = "Antes de iniciar a conversa, gostaria de informar que, de acordo com o Regulamento Geral de Proteção de Dados (RGPD), esta conversa está registada. Se não concordar com este registo, por favor utilize outro canal."

	NudgeText       = "Se precisar de ajuda, basta escrever a sua pergunta!"
	NoActiveBotText = "⚠️ Nenhum chatbot está ativo neste momento. Tente novamente dentro de instantes."
	RagPendingText  = "Por favor, utilize o link acima para confirmar se pretende pesquisar nos documentos PDF."
	RagOfferText    = "Pergunta não encontrada nas FAQs."
	RagOfferLink    = "Clique aqui para tentar encontrar uma resposta nos documentos PDF."
	RagOfferHint    = "Pode demorar alguns segundos."
	RagNoAnswerText = "❌ Nenhuma resposta encontrada nos documentos PDF."
	RagNetworkText  = "❌ Erro ao comunicar com o servidor (RAG)."
	NoAnswerText    = "❌ Nenhuma resposta encontrada para a pergunta fornecida."
	NetworkText     = "❌ Erro ao comunicar com o servidor. Verifique se o servidor está ativo."
	RandomFAQsTitle = "Possíveis perguntas:"

	// legacyRagPhrase marks an erro that offers the document search.
	legacyRagPhrase = "deseja tentar encontrar uma resposta nos documentos pdf"
)

// Locale holds the language-dependent texts.
type Locale struct {
	FeedbackPositive string
	FeedbackNegative string
	ResolvedPrompt   string
	Yes              string
	No               string
	SimilarTitle     string
}

var locales = map[string]Locale{
	"pt": {
		FeedbackPositive: "Fico contente por ter ajudado.",
		FeedbackNegative: "Lamento não ter conseguido responder. Tente reformular a pergunta.",
		ResolvedPrompt:   "A sua questão foi resolvida?",
		Yes:              "Sim",
		No:               "Não",
		SimilarTitle:     "📌 Perguntas que também podem interessar:",
	},
	"en": {
		FeedbackPositive: "I'm glad I could help.",
		FeedbackNegative: "I'm sorry I couldn't answer. Please try rephrasing the question.",
		ResolvedPrompt:   "Was your issue resolved?",
		Yes:              "Yes",
		No:               "No",
		SimilarTitle:     "📌 Questions you might also be interested in:",
	},
}

// LocaleFor returns the texts for lang, Portuguese when unknown.
func LocaleFor(lang string) Locale {
	if l, ok := locales[strings.ToLower(lang)]; ok {
		return l
	}
	return locales["pt"]
}

// Greeting builds the opening message for the bot. A custom initial message
// wins over the built-in one.
func Greeting(id session.Identity, lang string, texts session.Texts) string {
	if texts.Initial != "" {
		return texts.Initial
	}
	if strings.EqualFold(lang, "en") {
		return fmt.Sprintf("Hello!\nI'm %s, your virtual assistant.\nAsk one question at a time and I will do my best to clarify your doubts.", id.Name)
	}

	article, possessive := "o", "o seu"
	switch id.Gender {
	case "f":
		article, possessive = "a", "a sua"
	case "":
		article = ""
	}
	intro := fmt.Sprintf("Eu sou %s,", id.Name)
	if article != "" {
		intro = fmt.Sprintf("Eu sou %s %s,", article, id.Name)
	}
	return fmt.Sprintf("Olá!\n%s %s assistente virtual.\nFaça uma pergunta de cada vez, que eu procurarei esclarecer todas as suas dúvidas.", intro, possessive)
}

var greetingPhrases = []string{
	"ola",
	"bom dia",
	"boa tarde",
	"boa noite",
	"hello",
	"hi",
	"good morning",
	"good afternoon",
	"good evening",
}

// fold lowercases s and strips combining accents.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

// IsGreeting reports whether text opens with a greeting phrase, ignoring
// case and accents.
func IsGreeting(text string) bool {
	s := fold(text)
	if s == "" {
		return false
	}
	for _, phrase := range greetingPhrases {
		if strings.HasPrefix(s, phrase) {
			return true
		}
	}
	return false
}

// IsCanned reports whether text is a feedback acknowledgement or the bot's
// custom no-answer text, which never get feedback affordances.
func IsCanned(text string, texts session.Texts) bool {
	for _, l := range locales {
		if text == l.FeedbackPositive || text == l.FeedbackNegative {
			return true
		}
	}
	for _, custom := range []string{texts.FeedbackPositive, texts.FeedbackNegative, texts.NoAnswer} {
		if custom != "" && text == custom {
			return true
		}
	}
	return false
}

// Acknowledgement returns the reply to a feedback verdict.
func Acknowledgement(resolved bool, lang string, texts session.Texts) string {
	l := LocaleFor(lang)
	if resolved {
		if texts.FeedbackPositive != "" {
			return texts.FeedbackPositive
		}
		return l.FeedbackPositive
	}
	if texts.FeedbackNegative != "" {
		return texts.FeedbackNegative
	}
	return l.FeedbackNegative
}

// offersRag reports whether a failed answer offers the document search.
func offersRag(resp *backend.AskResponse) bool {
	return resp.PromptRag || strings.Contains(strings.ToLower(resp.Error), legacyRagPhrase)
}

// SourceLink returns the first document when it is a usable link.
func SourceLink(documents []string) string {
	if len(documents) == 0 {
		return ""
	}
	doc := strings.TrimSpace(documents[0])
	lower := strings.ToLower(doc)
	if strings.HasPrefix(doc, "/") || strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return doc
	}
	return ""
}
