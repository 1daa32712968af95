// Package backend is the HTTP client for the chatbot backend: bot identity,
// question answering, suggestions, video job status and transcription.
package backend

import "errors"

// Common errors
var (
	ErrNetwork     = errors.New("backend unreachable")
	ErrJobNotFound = errors.New("video job not found")
	ErrBusy        = errors.New("another video job is already running")
	ErrNotFound    = errors.New("chatbot not found")
)

// Answer sources understood by /obter-resposta.
const (
	SourceFAQ     = "faq"
	SourceFAISS   = "faiss"
	SourceFAQRAG  = "faq+raga"
	FeedbackRetry = "try_rag"
)

// Video statuses shared by FAQ status and job status.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
	StatusIdle       = "idle"
	StatusCancelled  = "cancelled"
)

// Live reports whether a job in this status is still being worked on.
func Live(status string) bool {
	return status == StatusQueued || status == StatusProcessing
}

// Chatbot is one entry of GET /chatbots.
type Chatbot struct {
	ID              int    `json:"chatbot_id"`
	Name            string `json:"nome"`
	Color           string `json:"cor"`
	IconPath        string `json:"icon_path"`
	Gender          string `json:"genero"`
	VideoEnabled    bool   `json:"video_enabled"`
	Active          bool   `json:"ativo"`
	Source          string `json:"fonte"`
	NoAnswerMessage string `json:"mensagem_sem_resposta"`
}

// ChatbotDetail is the body of GET /chatbots/{id}.
type ChatbotDetail struct {
	Success                 bool   `json:"success"`
	Name                    string `json:"nome"`
	Color                   string `json:"cor"`
	Icon                    string `json:"icon"`
	Gender                  string `json:"genero"`
	VideoGreetingPath       string `json:"video_greeting_path"`
	VideoIdlePath           string `json:"video_idle_path"`
	VideoPositivePath       string `json:"video_positive_path"`
	VideoNegativePath       string `json:"video_negative_path"`
	VideoNoAnswerPath       string `json:"video_no_answer_path"`
	NoAnswerMessage         string `json:"mensagem_sem_resposta"`
	InitialMessage          string `json:"mensagem_inicial"`
	PositiveFeedbackMessage string `json:"mensagem_feedback_positiva"`
	NegativeFeedbackMessage string `json:"mensagem_feedback_negativa"`
	Error                   string `json:"erro,omitempty"`
}

// AskRequest is the body of POST /obter-resposta.
type AskRequest struct {
	Question  string `json:"pergunta"`
	ChatbotID int    `json:"chatbot_id"`
	Source    string `json:"fonte"`
	Language  string `json:"idioma"`
	Feedback  string `json:"feedback,omitempty"`
}

// AskResponse is the reply of POST /obter-resposta.
type AskResponse struct {
	Success      bool     `json:"success"`
	Answer       string   `json:"resposta"`
	FaqID        int      `json:"faq_id,omitempty"`
	VideoEnabled bool     `json:"video_enabled"`
	VideoStatus  string   `json:"video_status,omitempty"`
	Documents    []string `json:"documentos,omitempty"`
	PromptRag    bool     `json:"prompt_rag,omitempty"`
	Error        string   `json:"erro,omitempty"`
	NoAnswer     bool     `json:"no_answer,omitempty"`
	FaqQuestion  string   `json:"pergunta_faq,omitempty"`
	FaqLanguage  string   `json:"faq_idioma,omitempty"`
}

// SimilarRequest is the body of POST /perguntas-semelhantes.
type SimilarRequest struct {
	Question  string `json:"pergunta"`
	ChatbotID int    `json:"chatbot_id"`
	Language  string `json:"idioma"`
}

type similarResponse struct {
	Success     bool     `json:"success"`
	Suggestions []string `json:"sugestoes"`
}

// RandomRequest is the body of POST /faqs-aleatorias.
type RandomRequest struct {
	Language  string `json:"idioma"`
	N         int    `json:"n"`
	ChatbotID int    `json:"chatbot_id"`
}

type randomResponse struct {
	Success bool `json:"success"`
	FAQs    []struct {
		Question string `json:"pergunta"`
	} `json:"faqs"`
}

// FAQVideoStatus is the body of GET /video/faq/status/{id}.
type FAQVideoStatus struct {
	Success     bool   `json:"success"`
	FaqID       int    `json:"faq_id"`
	VideoStatus string `json:"video_status"`
	VideoPath   string `json:"video_path,omitempty"`
	StreamURL   string `json:"stream_url,omitempty"`
}

// Job is the server-side video generation job.
type Job struct {
	Status    string `json:"status"`
	Kind      string `json:"kind"`
	Progress  int    `json:"progress"`
	Message   string `json:"message"`
	ChatbotID int    `json:"chatbot_id,omitempty"`
	FaqID     int    `json:"faq_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type jobStatusResponse struct {
	Success bool `json:"success"`
	Job     Job  `json:"job"`
}

// CancelResult is the reply of POST /video/cancel.
type CancelResult struct {
	Success   bool   `json:"success"`
	Kind      string `json:"kind"`
	ChatbotID int    `json:"chatbot_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FAQ is the subset of GET /faqs/{id} used for job labels.
type FAQ struct {
	ID          int    `json:"faq_id"`
	ChatbotID   int    `json:"chatbot_id"`
	Designation string `json:"designacao"`
	Question    string `json:"pergunta"`
	Identifier  string `json:"identificador"`
	Language    string `json:"idioma"`
	VideoStatus string `json:"video_status"`
}

type faqResponse struct {
	Success bool `json:"success"`
	FAQ     FAQ  `json:"faq"`
}

type transcribeResponse struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`
	Error   string `json:"error,omitempty"`
}
