package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslate(t *testing.T) {
	tr := GetInstance()

	t.Run("中文", func(t *testing.T) {
		assert.Equal(t, "远程服务不可达", tr.Translate("remote_unavailable", LangZhCN))
	})

	t.Run("英文", func(t *testing.T) {
		assert.Equal(t, "Remote Service Unreachable", tr.Translate("remote_unavailable", LangEnUS))
	})

	t.Run("未知语言回退默认语言", func(t *testing.T) {
		assert.Equal(t, "附件未找到", tr.Translate("attachment_not_found", "fr-FR"))
	})

	t.Run("未知键原样返回", func(t *testing.T) {
		assert.Equal(t, "no_such_key", tr.Translate("no_such_key", LangEnUS))
	})

	t.Run("不支持的默认语言被忽略", func(t *testing.T) {
		tr.SetDefaultLanguage("xx")
		assert.Equal(t, LangZhCN, tr.GetDefaultLanguage())
	})
}
