// Package i18n 提供国际化支持
// 负责管理错误消息的语言包和翻译功能
package i18n

import (
	"sync"

	"github.com/go-playground/locales/en_US"
	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	"github.com/weiwangfds/attachsync/internal/logger"
)

// 支持的语言
const (
	LangZhCN = "zh-CN"
	LangEnUS = "en-US"
)

var (
	instance *I18n
	once     sync.Once

	translations = map[string]map[string]string{
		LangZhCN: {
			"success":               "成功",
			"internal_server_error": "服务器内部错误",
			"invalid_params":        "参数错误",
			"unauthorized":          "未授权",
			"forbidden":             "禁止访问",
			"not_found":             "资源未找到",
			"too_many_requests":     "请求过于频繁",
			"service_unavailable":   "服务不可用",

			"attachment_not_found":   "附件未找到",
			"file_empty":             "文件内容为空",
			"file_size_too_large":    "文件大小超限",
			"file_read_failed":       "文件读取失败",
			"file_hash_mismatch":     "文件哈希不匹配",
			"upload_failed":          "附件上传失败",
			"session_not_found":      "分块上传会话未找到",
			"chunk_out_of_order":     "分块顺序错误",
			"upload_in_progress":     "相同内容正在上传",

			"remote_unauthorized":    "远程服务凭据无效",
			"remote_forbidden":       "远程服务凭据权限不足",
			"remote_not_found":       "远程资源未找到",
			"remote_bad_request":     "远程服务拒绝请求",
			"remote_unavailable":     "远程服务不可达",
			"remote_request_failed":  "远程请求失败",

			"database_connection":   "数据库连接错误",
			"database_query":        "数据库查询错误",
			"database_insert":       "数据库插入错误",
			"database_update":       "数据库更新错误",
			"record_not_found":      "记录未找到",
			"record_already_exists": "记录已存在",

			"link_failed":             "附件关联失败",
			"reconcile_failed":        "入站同步失败",
			"webhook_signature":       "Webhook签名无效",
			"webhook_payload_invalid": "Webhook负载格式错误",
			"blob_store_failed":       "对象存储操作失败",

			"unknown_error": "未知错误",
		},
		LangEnUS: {
			"success":               "Success",
			"internal_server_error": "Internal Server Error",
			"invalid_params":        "Invalid Parameters",
			"unauthorized":          "Unauthorized",
			"forbidden":             "Forbidden",
			"not_found":             "Resource Not Found",
			"too_many_requests":     "Too Many Requests",
			"service_unavailable":   "Service Unavailable",

			"attachment_not_found":   "Attachment Not Found",
			"file_empty":             "File Content Is Empty",
			"file_size_too_large":    "File Size Too Large",
			"file_read_failed":       "File Read Failed",
			"file_hash_mismatch":     "File Hash Mismatch",
			"upload_failed":          "Attachment Upload Failed",
			"session_not_found":      "Chunked Upload Session Not Found",
			"chunk_out_of_order":     "Chunk Out Of Order",
			"upload_in_progress":     "Identical Content Is Being Uploaded",

			"remote_unauthorized":    "Remote Credential Invalid",
			"remote_forbidden":       "Remote Credential Has Insufficient Scope",
			"remote_not_found":       "Remote Resource Not Found",
			"remote_bad_request":     "Remote Service Rejected The Request",
			"remote_unavailable":     "Remote Service Unreachable",
			"remote_request_failed":  "Remote Request Failed",

			"database_connection":   "Database Connection Error",
			"database_query":        "Database Query Error",
			"database_insert":       "Database Insert Error",
			"database_update":       "Database Update Error",
			"record_not_found":      "Record Not Found",
			"record_already_exists": "Record Already Exists",

			"link_failed":             "Attachment Link Failed",
			"reconcile_failed":        "Reconciliation Failed",
			"webhook_signature":       "Invalid Webhook Signature",
			"webhook_payload_invalid": "Malformed Webhook Payload",
			"blob_store_failed":       "Blob Store Operation Failed",

			"unknown_error": "Unknown Error",
		},
	}
)

// I18n 国际化管理器
type I18n struct {
	translators map[string]ut.Translator
	defaultLang string
}

// GetInstance 获取I18n单例
func GetInstance() *I18n {
	once.Do(func() {
		instance = &I18n{
			translators: make(map[string]ut.Translator),
			defaultLang: LangZhCN,
		}
		instance.initTranslators()
	})
	return instance
}

// initTranslators 初始化翻译器
func (i *I18n) initTranslators() {
	zhCN := zh.New()
	enUS := en_US.New()
	uni := ut.New(zhCN, enUS, zhCN)

	// 本地语言标识 -> locale库标识
	langMappings := map[string]string{
		LangZhCN: "zh",
		LangEnUS: "en_US",
	}

	for ourLang, localeLang := range langMappings {
		trans, found := uni.GetTranslator(localeLang)
		if !found {
			logger.Errorf("初始化翻译器失败 %s (locale: %s)", ourLang, localeLang)
			continue
		}
		i.translators[ourLang] = trans
	}
	logger.Debugf("国际化翻译器初始化完成: %d 种语言", len(i.translators))
}

// Translate 根据键和语言获取翻译
func (i *I18n) Translate(key, lang string) string {
	if _, ok := i.translators[lang]; !ok {
		lang = i.defaultLang
	}

	if translation, found := translations[lang][key]; found {
		return translation
	}
	if lang != i.defaultLang {
		if translation, found := translations[i.defaultLang][key]; found {
			return translation
		}
	}

	logger.Warnf("未找到翻译: %s, 语言: %s", key, lang)
	return key
}

// SetDefaultLanguage 设置默认语言，不支持的语言将被忽略
func (i *I18n) SetDefaultLanguage(lang string) {
	if !i.IsSupportedLanguage(lang) {
		logger.Warnf("不支持的语言: %s，保持 %s", lang, i.defaultLang)
		return
	}
	i.defaultLang = lang
}

// GetDefaultLanguage 获取默认语言
func (i *I18n) GetDefaultLanguage() string {
	return i.defaultLang
}

// IsSupportedLanguage 检查语言是否支持
func (i *I18n) IsSupportedLanguage(lang string) bool {
	_, exists := i.translators[lang]
	return exists
}
